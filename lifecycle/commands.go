package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type commandsState int32

const (
	commandsStopped commandsState = iota
	commandsRunning
)

// Commands consumes the command channel and applies each command to the
// manager. Commands are handled one at a time in arrival order.
type Commands struct {
	manager *Manager
	logger  types.Logger
	ch      chan types.Command
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	state   atomic.Value
}

func NewCommands(ctx context.Context, manager *Manager, logger types.Logger, buffer int) *Commands {
	commandsCtx, cancel := context.WithCancel(ctx)

	c := &Commands{
		manager: manager,
		logger:  logger,
		ch:      make(chan types.Command, buffer),
		ctx:     commandsCtx,
		cancel:  cancel,
	}

	c.state.Store(commandsStopped)

	return c
}

func (c *Commands) Start() error {
	if !c.state.CompareAndSwap(commandsStopped, commandsRunning) {
		return types.ErrServerAlreadyRunning
	}

	c.wg.Add(1)
	go c.loop()

	return nil
}

func (c *Commands) Stop() error {
	if !c.state.CompareAndSwap(commandsRunning, commandsStopped) {
		return types.ErrServerNotRunning
	}

	c.cancel()
	c.wg.Wait()

	return nil
}

func (c *Commands) IsRunning() bool {
	return c.state.Load().(commandsState) == commandsRunning
}

// Channel is the inbound side of the command channel.
func (c *Commands) Channel() chan<- types.Command {
	return c.ch
}

// Send delivers a command and waits for its reply.
func (c *Commands) Send(ctx context.Context, commandType types.CommandType) (types.CommandReply, error) {
	if !c.IsRunning() {
		return types.CommandReply{}, types.ErrCommandChannelClosed
	}

	reply := make(chan types.CommandReply, 1)

	select {
	case c.ch <- types.Command{Type: commandType, Reply: reply}:
	case <-ctx.Done():
		return types.CommandReply{}, ctx.Err()
	case <-c.ctx.Done():
		return types.CommandReply{}, types.ErrCommandChannelClosed
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return types.CommandReply{}, ctx.Err()
	case <-c.ctx.Done():
		return types.CommandReply{}, types.ErrCommandChannelClosed
	}
}

func (c *Commands) loop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.ch:
			reply := c.handle(c.ctx, cmd)
			if cmd.Reply != nil {
				select {
				case cmd.Reply <- reply:
				case <-c.ctx.Done():
					return
				}
			}
		}
	}
}

func (c *Commands) handle(ctx context.Context, cmd types.Command) types.CommandReply {
	switch cmd.Type {
	case types.CommandSkipWaiting:
		c.manager.SkipWaiting()
		return types.CommandReply{Success: true}

	case types.CommandClearCache:
		removed, err := c.manager.ClearAll(ctx)
		if err != nil {
			c.logger.ErrorWithErrStack("Clear cache command failed", err, zap.Int("removed", removed))
			return types.CommandReply{Error: err.Error()}
		}
		return types.CommandReply{Success: true}

	default:
		c.logger.Warn("Unknown command", zap.String("type", string(cmd.Type)))
		return types.CommandReply{Error: types.Errorf(types.ErrCommandUnknown, "%s", cmd.Type).Error()}
	}
}
