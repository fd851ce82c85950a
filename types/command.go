package types

type CommandType string

const (
	CommandSkipWaiting CommandType = "SKIP_WAITING"
	CommandClearCache  CommandType = "CLEAR_CACHE"
)

// Command is a message delivered on the command channel. Reply is optional;
// when set it receives exactly one CommandReply.
type Command struct {
	Type  CommandType         `json:"type"`
	Reply chan<- CommandReply `json:"-"`
}

type CommandReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type LifecycleState string

const (
	LifecycleNew        LifecycleState = "new"
	LifecycleInstalling LifecycleState = "installing"
	LifecycleInstalled  LifecycleState = "installed"
	LifecycleActivating LifecycleState = "activating"
	LifecycleActivated  LifecycleState = "activated"
	LifecycleRedundant  LifecycleState = "redundant"
)
