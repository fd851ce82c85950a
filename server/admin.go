package server

import (
	"context"
	"sort"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const DefaultAdminTimeout = 30 * time.Second

type CommandSender interface {
	Send(ctx context.Context, commandType types.CommandType) (types.CommandReply, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, event types.Event) types.Task
}

// PartitionPlan lists the partitions the running version owns.
type PartitionPlan interface {
	Specs() []types.PartitionSpec
}

// AdminDeps lists the collaborators behind the admin endpoints. Health,
// Metrics and Cron are optional; their routes are skipped when nil. Without a
// Plan partitions are listed with their entry counts only.
type AdminDeps struct {
	Commands   CommandSender
	Dispatcher EventDispatcher
	Storage    types.CacheStorage
	Plan       PartitionPlan
	Health     types.HealthManager
	Metrics    types.MetricsManager
	Cron       types.CronManager
	Logger     types.Logger
	Timeout    time.Duration
}

type PartitionInfo struct {
	Name       string `json:"name"`
	Entries    int    `json:"entries"`
	Role       string `json:"role,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	TTL        string `json:"ttl,omitempty"`
}

type commandRequest struct {
	Type types.CommandType `json:"type"`
}

type adminHandlers struct {
	ctx  context.Context
	deps AdminDeps
}

// RegisterAdminRoutes mounts the command, event and diagnostics endpoints
// under prefix.
func RegisterAdminRoutes(ctx context.Context, router *Router, prefix string, deps AdminDeps) {
	if deps.Timeout <= 0 {
		deps.Timeout = DefaultAdminTimeout
	}

	a := &adminHandlers{ctx: ctx, deps: deps}

	router.POST(prefix+"/command", a.command)
	router.POST(prefix+"/push", a.event(types.EventPush))
	router.POST(prefix+"/notificationclick", a.event(types.EventNotificationClick))
	router.POST(prefix+"/sync/{tag}", a.sync)
	router.GET(prefix+"/partitions", a.partitions)

	if deps.Health != nil {
		router.GET(prefix+"/health", deps.Health.Handler())
		router.GET(prefix+"/version", deps.Health.VersionHandler())
	}

	if deps.Metrics != nil {
		router.GET(prefix+"/metrics", deps.Metrics.Handler())
	}

	if deps.Cron != nil {
		router.GET(prefix+"/jobs", a.jobs)
	}
}

func (a *adminHandlers) command(ctx *fasthttp.RequestCtx) {
	var req commandRequest
	if err := utils.Unmarshal(ctx.PostBody(), &req); err != nil {
		utils.WriteJSONError(ctx, fasthttp.StatusBadRequest, "Invalid command body")
		return
	}

	switch req.Type {
	case types.CommandSkipWaiting, types.CommandClearCache:
	default:
		utils.WriteJSONError(ctx, fasthttp.StatusBadRequest, types.Errorf(types.ErrCommandUnknown, "%s", req.Type).Error())
		return
	}

	opCtx, cancel := context.WithTimeout(a.ctx, a.deps.Timeout)
	defer cancel()

	reply, err := a.deps.Commands.Send(opCtx, req.Type)
	if err != nil {
		a.deps.Logger.Error("Command delivery failed", zap.String("type", string(req.Type)), zap.Error(err))
		utils.WriteJSONError(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}

	status := fasthttp.StatusOK
	if !reply.Success {
		status = fasthttp.StatusInternalServerError
	}

	utils.WriteJSON(ctx, status, reply)
}

func (a *adminHandlers) event(eventType types.EventType) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		data := make([]byte, len(ctx.PostBody()))
		copy(data, ctx.PostBody())

		a.dispatch(ctx, types.Event{Type: eventType, Data: data})
	}
}

func (a *adminHandlers) sync(ctx *fasthttp.RequestCtx) {
	tag, _ := ctx.UserValue("tag").(string)

	a.dispatch(ctx, types.Event{Type: types.EventSync, Tag: tag})
}

func (a *adminHandlers) dispatch(ctx *fasthttp.RequestCtx, event types.Event) {
	opCtx, cancel := context.WithTimeout(a.ctx, a.deps.Timeout)
	defer cancel()

	err := WaitTask(opCtx, a.deps.Dispatcher.Dispatch(opCtx, event))

	switch {
	case err == nil:
		utils.WriteJSON(ctx, fasthttp.StatusOK, types.CommandReply{Success: true})
	case types.IsError(err, types.ErrPushPayloadInvalid):
		utils.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
	case types.IsError(err, types.ErrSyncTagUnknown), types.IsError(err, types.ErrEventHandlerMissing):
		utils.WriteJSONError(ctx, fasthttp.StatusNotFound, err.Error())
	case types.IsError(err, context.DeadlineExceeded):
		utils.WriteJSONError(ctx, fasthttp.StatusGatewayTimeout, err.Error())
	default:
		utils.WriteJSON(ctx, fasthttp.StatusInternalServerError, types.CommandReply{Error: err.Error()})
	}
}

func (a *adminHandlers) partitions(ctx *fasthttp.RequestCtx) {
	opCtx, cancel := context.WithTimeout(a.ctx, a.deps.Timeout)
	defer cancel()

	var specs []types.PartitionSpec
	if a.deps.Plan != nil {
		specs = a.deps.Plan.Specs()
	}

	infos, err := ListPartitions(opCtx, a.deps.Storage, specs)
	if err != nil {
		a.deps.Logger.ErrorWithErrStack("Failed to list partitions", err)
		utils.WriteJSONError(ctx, fasthttp.StatusInternalServerError, "Cache storage failure")
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, infos)
}

func (a *adminHandlers) jobs(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, a.deps.Cron.Jobs())
}

// ListPartitions reports every partition with its entry count, sorted by
// name. Partitions named in specs also carry their role and bounds; the rest
// are leftovers the next activate removes. Partitions deleted while listing
// are skipped.
func ListPartitions(ctx context.Context, storage types.CacheStorage, specs []types.PartitionSpec) ([]PartitionInfo, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]types.PartitionSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}

	sort.Strings(names)

	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		exists, err := storage.Has(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		partition, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}

		keys, err := partition.Keys(ctx)
		if err != nil {
			return nil, err
		}

		info := PartitionInfo{Name: name, Entries: len(keys)}
		if spec, ok := byName[name]; ok {
			info.Role = string(spec.Role)
			info.MaxEntries = spec.MaxEntries
			info.TTL = spec.TTL.String()
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// WaitTask blocks until task yields its result or ctx ends.
func WaitTask(ctx context.Context, task types.Task) error {
	select {
	case err, ok := <-task:
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
