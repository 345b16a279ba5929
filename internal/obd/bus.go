package obd

import (
	"context"
	"sync"
)

// Bus serializes every request to a Gateway. The scheduler and the
// user-triggered actions share one Bus so that no two requests are ever
// in flight on the same connection.
type Bus struct {
	mu sync.Mutex
	gw Gateway
}

func NewBus(gw Gateway) *Bus {
	return &Bus{gw: gw}
}

func (b *Bus) Start(ctx context.Context) error {
	return b.gw.Start(ctx)
}

func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gw.Stop()
}

func (b *Bus) IsConnected() bool {
	return b.gw.IsConnected()
}

// Query sends one command while holding the bus.
func (b *Bus) Query(cmd Command) (Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gw.Query(cmd)
}

// Session holds the bus for the whole of fn. The Querier passed to fn must
// not be retained after fn returns.
func (b *Bus) Session(fn func(q Querier)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.gw)
}
