package toolcache

import "context"

// refreshGate allows one in-flight discovery per server.
type refreshGate struct {
	ch chan struct{}
}

func newRefreshGate() *refreshGate {
	return &refreshGate{ch: make(chan struct{}, 1)}
}

func (g *refreshGate) acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *refreshGate) release() {
	select {
	case <-g.ch:
	default:
	}
}
