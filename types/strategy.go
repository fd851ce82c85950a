package types

import "context"

type StrategyKind string

const (
	StrategyCacheFirst           StrategyKind = "cache-first"
	StrategyNetworkFirst         StrategyKind = "network-first"
	StrategyStaleWhileRevalidate StrategyKind = "stale-while-revalidate"
)

// Route is the classifier verdict for a handled request.
type Route struct {
	Role     PartitionRole
	Strategy StrategyKind
}

type Classifier interface {
	Classify(req *Request) (Route, bool)
}

type Strategy interface {
	Kind() StrategyKind
	Serve(ctx context.Context, req *Request, partition PartitionSpec) (*Response, error)
}
