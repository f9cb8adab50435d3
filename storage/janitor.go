package storage

import (
	"context"
	"log"
	"sync"
	"time"
)

// Janitor periodically closes idle DataStores and keeps the rest
// alive against intermediary connection reaping, mirroring spec.md
// §4.3's "idle close" and keep-alive ticks, but generalized from one
// pool to a registry of per-connection DataStores since this server
// hands out one DataStore per connection goroutine rather than
// pooling bare connections.
type Janitor struct {
	Logf func(format string, v ...interface{})

	ctx      context.Context
	cancelFn func()
	done     chan struct{}

	mu  sync.Mutex
	reg map[*DataStore]struct{}
}

// NewJanitor returns a Janitor with an empty registry.
func NewJanitor() *Janitor {
	ctx, cancelFn := context.WithCancel(context.Background())
	return &Janitor{
		Logf:     func(format string, v ...interface{}) {},
		ctx:      ctx,
		cancelFn: cancelFn,
		done:     make(chan struct{}),
		reg:      make(map[*DataStore]struct{}),
	}
}

// Track registers ds so the janitor will idle-close and keep it
// alive. Callers Untrack it themselves after an explicit Close, to
// avoid a double close.
func (j *Janitor) Track(ds *DataStore) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reg[ds] = struct{}{}
}

// Untrack removes ds from the registry.
func (j *Janitor) Untrack(ds *DataStore) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.reg, ds)
}

// Run sweeps the registry on a short tick until Shutdown is called.
// It is meant to run in its own goroutine for the server's lifetime.
func (j *Janitor) Run() error {
	defer close(j.done)

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return nil
		case <-sweep.C:
			j.closeIdle()
		case <-keepAlive.C:
			j.keepAliveAll()
		}
	}
}

func (j *Janitor) closeIdle() {
	start := time.Now()
	var closed int

	j.mu.Lock()
	var idle []*DataStore
	for ds := range j.reg {
		if ds.IdleFor() >= idleCloseInterval {
			idle = append(idle, ds)
		}
	}
	j.mu.Unlock()

	for _, ds := range idle {
		if ds.Level() > 0 {
			log.Printf("storage: janitor closing idle DataStore with open transaction at level %d", ds.Level())
		}
		ds.Close()
		j.Untrack(ds)
		closed++
	}

	if closed > 0 {
		j.Logf("storage: janitor closed %d idle session(s) in %s", closed, time.Since(start))
	}
}

func (j *Janitor) keepAliveAll() {
	j.mu.Lock()
	stores := make([]*DataStore, 0, len(j.reg))
	for ds := range j.reg {
		stores = append(stores, ds)
	}
	j.mu.Unlock()

	for _, ds := range stores {
		if err := ds.KeepAlive(j.ctx); err != nil {
			j.Logf("storage: janitor keep-alive failed, closing session: %v", err)
			ds.Close()
			j.Untrack(ds)
		}
	}
}

// Shutdown stops the sweep loop and waits for Run to return.
func (j *Janitor) Shutdown(ctx context.Context) error {
	j.cancelFn()
	<-j.done
	return nil
}
