package registry

import (
	"context"
	"time"
)

// DeregisterIfStale runs the sweep's locked re-check for one service as of
// the scan time now.
func (r *Registry) DeregisterIfStale(ctx context.Context, name string, now time.Time) bool {
	return r.deregisterIfStale(ctx, name, now)
}
