package http

import "context"

// HealthChecker is a dependency probed by GET /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Counter reports the number of chunks in a namespace.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// CountNamespaces counts each namespace's chunks. A namespace whose count
// fails reports -1. Returns nil when there is nothing to count.
func CountNamespaces(ctx context.Context, counters map[string]Counter) map[string]int {
	if len(counters) == 0 {
		return nil
	}
	out := make(map[string]int, len(counters))
	for name, c := range counters {
		n, err := c.Count(ctx)
		if err != nil {
			n = -1
		}
		out[name] = n
	}
	return out
}
