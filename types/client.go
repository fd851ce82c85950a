package types

// ClientManager is the outbound network layer used by every strategy.
type ClientManager interface {
	LifecycleManager
	Fetcher
}
