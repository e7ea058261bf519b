package lifecycle

import "context"

// Component is the lifecycle contract for everything the Manager runs: the
// queue workers and the API server. Start and Stop must be idempotent, and
// Stop must honor the context deadline so shutdown can abandon a component
// that will not drain.
type Component interface {
	// Start brings the component up. Long-running work moves to a
	// goroutine; Start itself returns once the component is serving.
	Start(ctx context.Context) error

	// Stop winds the component down, letting in-flight work finish within
	// the context deadline.
	Stop(ctx context.Context) error

	// Name identifies the component in logs and dependency declarations.
	Name() string
}
