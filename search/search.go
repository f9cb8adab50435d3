// Package search runs the debounced update loop for virtual (search)
// collections: firing a collection's query against every registered
// Engine, diffing the result set against current membership, and
// linking/unlinking items so virtual-collection contents track the
// query (spec.md §4's search-collection update loop). The plug-in
// loader and any concrete search engine are out of scope; Engine is
// the contract this package dispatches to.
package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xrg/akonadi/storage"
)

// MaxQueryLength is the longest queryString the schema supports; a
// longer query is refused with a warning rather than attempted.
const MaxQueryLength = 32768

// DebounceInterval is how long the update loop waits after a
// collection is marked dirty before it actually runs the query.
const DebounceInterval = 15 * time.Second

// Engine runs one collection's query and returns the matching item
// ids. Plug-ins are registered by name; the update loop fires the
// query against all registered engines in parallel and unions the
// results.
type Engine interface {
	Search(ctx context.Context, queryString, queryAttributes string, mimeTypes []string) ([]int64, error)
}

// Manager tracks pending (debounced) updates and in-flight updates per
// collection, mirroring spec.md's "updating_collections" mutex set
// with condition-variable blocking for concurrent callers.
type Manager struct {
	Logf func(format string, v ...interface{})

	open func(ctx context.Context) (*storage.DataStore, error)

	mu      sync.Mutex
	cond    *sync.Cond
	engines map[string]Engine
	updating map[int64]bool
	pending  map[int64]*time.Timer

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewManager returns a Manager. open is called once per triggered
// update to get a DataStore scoped to that update's goroutine
// (package storage binds one DataStore per goroutine, not per
// Manager).
func NewManager(open func(ctx context.Context) (*storage.DataStore, error)) *Manager {
	m := &Manager{
		Logf:     func(format string, v ...interface{}) {},
		open:     open,
		engines:  make(map[string]Engine),
		updating: make(map[int64]bool),
		pending:  make(map[int64]*time.Timer),
		quit:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Register adds a named search engine to the set queried on every
// update.
func (m *Manager) Register(name string, e Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[name] = e
}

// Touch marks collectionID dirty, (re)starting its debounce timer; an
// update already pending for it is rescheduled rather than duplicated.
func (m *Manager) Touch(collectionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pending[collectionID]; ok {
		t.Stop()
	}
	m.pending[collectionID] = time.AfterFunc(DebounceInterval, func() {
		m.runUpdate(collectionID)
	})
}

// WaitIdle blocks until collectionID has no update in flight,
// matching spec.md's condition-variable wait for a concurrent caller.
func (m *Manager) WaitIdle(collectionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.updating[collectionID] {
		m.cond.Wait()
	}
}

// Stop cancels every pending debounce timer and waits for in-flight
// updates to finish.
func (m *Manager) Stop() {
	close(m.quit)
	m.mu.Lock()
	for _, t := range m.pending {
		t.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// UpdateNow runs collectionID's update synchronously, cancelling any
// pending debounced run and waiting out a concurrent one first. Callers
// that just created a virtual collection use this so the first SEARCH
// response reflects its initial contents instead of racing Touch's
// 15-second debounce.
func (m *Manager) UpdateNow(ctx context.Context, collectionID int64) error {
	m.mu.Lock()
	if t, ok := m.pending[collectionID]; ok {
		t.Stop()
		delete(m.pending, collectionID)
	}
	for m.updating[collectionID] {
		m.cond.Wait()
	}
	m.updating[collectionID] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.updating, collectionID)
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	return m.update(ctx, collectionID)
}

func (m *Manager) runUpdate(collectionID int64) {
	m.mu.Lock()
	delete(m.pending, collectionID)
	if m.updating[collectionID] {
		m.mu.Unlock()
		return
	}
	m.updating[collectionID] = true
	m.mu.Unlock()

	m.wg.Add(1)
	defer func() {
		m.wg.Done()
		m.mu.Lock()
		delete(m.updating, collectionID)
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	select {
	case <-m.quit:
		return
	default:
	}

	ctx := context.Background()
	if err := m.update(ctx, collectionID); err != nil {
		m.Logf("search: update of collection %d failed: %v", collectionID, err)
	}
}

// update implements the five numbered steps of the update loop.
func (m *Manager) update(ctx context.Context, collectionID int64) error {
	ds, err := m.open(ctx)
	if err != nil {
		return err
	}

	col, err := ds.GetCollection(ctx, collectionID)
	if err != nil {
		return err
	}
	if !col.IsVirtual {
		return nil
	}
	if len(col.QueryString) > MaxQueryLength {
		m.Logf("search: collection %d query exceeds %d chars, skipping", collectionID, MaxQueryLength)
		return nil
	}

	results, err := m.fanOut(ctx, col)
	if err != nil {
		return err
	}
	resultSet := make(map[int64]bool, len(results))
	for _, id := range results {
		resultSet[id] = true
	}

	current, err := ds.LinkedItemIDs(ctx, collectionID)
	if err != nil {
		return err
	}

	var toUnlink []int64
	for id := range current {
		if !resultSet[id] {
			toUnlink = append(toUnlink, id)
		}
	}
	var toLink []int64
	for id := range resultSet {
		if !current[id] {
			toLink = append(toLink, id)
		}
	}

	if len(toUnlink) > 0 {
		if err := ds.Begin(ctx); err != nil {
			return err
		}
		if err := ds.UnlinkItems(ctx, collectionID, toUnlink); err != nil {
			ds.Rollback()
			return err
		}
		if err := ds.Commit(ctx); err != nil {
			return err
		}
	}

	if len(toLink) > 0 {
		if err := ds.Begin(ctx); err != nil {
			return err
		}
		if err := ds.LinkItems(ctx, collectionID, toLink); err != nil {
			ds.Rollback()
			return err
		}
		// Force-dispatch before commit's own publish so clients observe
		// partial linking progress on a collection with many results
		// (spec.md step 5's "force-dispatch notifications").
		if batch := ds.Collector.Flush(); len(batch) > 0 && ds.Publish != nil {
			ds.Publish(batch)
		}
		if err := ds.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) fanOut(ctx context.Context, col storage.Collection) ([]int64, error) {
	m.mu.Lock()
	engines := make([]Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()
	if len(engines) == 0 {
		return nil, nil
	}

	mimeTypes := splitNonEmpty(col.QueryCollections) // ancestor restriction carried alongside mime-type filtering, per col.QueryAttributes
	var mu sync.Mutex
	union := make(map[int64]bool)
	var wg sync.WaitGroup
	errCh := make(chan error, len(engines))
	for _, e := range engines {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := e.Search(ctx, col.QueryString, col.QueryAttributes, mimeTypes)
			if err != nil {
				errCh <- err
				return
			}
			mu.Lock()
			for _, id := range ids {
				union[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("search: engine error: %v", err)
	}

	out := make([]int64, 0, len(union))
	for id := range union {
		out = append(out, id)
	}
	return out, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
