package notify

import "sync"

// sourceQueueSize bounds a Source's delivery channel. A slow
// subscriber drops its oldest undelivered batch rather than stalling
// the manager goroutine (spec.md §4.5, "at-least-once per event in the
// absence of source disconnection").
const sourceQueueSize = 64

// Source is a subscriber's filter state plus its delivery channel.
// The manager owns Sources; callers register one per connection that
// asks to watch for changes and read from C.
type Source struct {
	ID string
	C  chan []Notification

	mu                   sync.Mutex
	allMonitored         bool
	monitoredCollections map[int64]bool
	monitoredItems       map[int64]bool
	monitoredTags        map[int64]bool
	monitoredResources   map[string]bool
	monitoredMimeTypes   map[string]bool
	ignoredSessions      map[string]bool
}

// NewSource returns an empty Source with no filters set; callers
// configure it via the Set* methods before registering it.
func NewSource(id string) *Source {
	return &Source{
		ID:                   id,
		C:                    make(chan []Notification, sourceQueueSize),
		monitoredCollections: make(map[int64]bool),
		monitoredItems:       make(map[int64]bool),
		monitoredTags:        make(map[int64]bool),
		monitoredResources:   make(map[string]bool),
		monitoredMimeTypes:   make(map[string]bool),
		ignoredSessions:      make(map[string]bool),
	}
}

func (s *Source) SetAllMonitored(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allMonitored = v
}

func (s *Source) MonitorCollection(id int64)     { s.setBool(&s.monitoredCollections, id) }
func (s *Source) UnmonitorCollection(id int64)   { s.unsetBool(&s.monitoredCollections, id) }
func (s *Source) MonitorItem(id int64)           { s.setBool(&s.monitoredItems, id) }
func (s *Source) UnmonitorItem(id int64)         { s.unsetBool(&s.monitoredItems, id) }
func (s *Source) MonitorTag(id int64)            { s.setBool(&s.monitoredTags, id) }
func (s *Source) UnmonitorTag(id int64)          { s.unsetBool(&s.monitoredTags, id) }

func (s *Source) setBool(m *map[int64]bool, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	(*m)[id] = true
}

func (s *Source) unsetBool(m *map[int64]bool, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(*m, id)
}

func (s *Source) MonitorResource(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitoredResources[name] = true
}

func (s *Source) MonitorMimeType(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitoredMimeTypes[name] = true
}

func (s *Source) IgnoreSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignoredSessions[sessionID] = true
}

// accepts implements the acceptance predicate of spec.md §4.5.
func (s *Source) accepts(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ignoredSessions[n.SessionID] {
		return false
	}
	if s.allMonitored {
		return len(n.Entities) > 0
	}
	for _, e := range n.Entities {
		if s.monitoredItems[e.ID] {
			return true
		}
		if e.MimeType != "" && s.monitoredMimeTypes[e.MimeType] {
			return true
		}
	}
	if s.monitoredCollections[n.ParentCollection] || (n.ParentCollection == 0 && s.monitoredCollections[0]) {
		return true
	}
	if s.monitoredCollections[n.ParentDestCollection] || (n.ParentDestCollection == 0 && s.monitoredCollections[0]) {
		return true
	}
	if n.Resource != "" && s.monitoredResources[n.Resource] {
		return true
	}
	if n.DestinationResource != "" && s.monitoredResources[n.DestinationResource] {
		return true
	}
	return false
}

// Manager runs in its own goroutine, fed by Publish from every
// DataStore on commit, and fans each batch out to the Sources it
// currently accepts for (spec.md §4.5).
type Manager struct {
	in   chan []Notification
	quit chan struct{}
	done chan struct{}

	mu      sync.Mutex
	sources map[string]*Source
}

// NewManager returns a Manager; callers must call Run in a goroutine
// before Publish is used.
func NewManager() *Manager {
	return &Manager{
		in:      make(chan []Notification, 256),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		sources: make(map[string]*Source),
	}
}

// Register adds s to the set of sources receiving future batches.
func (m *Manager) Register(s *Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID] = s
}

// Unregister removes and closes s's delivery channel.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sources[id]; ok {
		close(s.C)
		delete(m.sources, id)
	}
}

// Publish hands a commit's worth of notifications, in collector order,
// to the manager for filtering and fan-out. Called by a DataStore
// after a successful outermost commit.
func (m *Manager) Publish(batch []Notification) {
	if len(batch) == 0 {
		return
	}
	select {
	case m.in <- batch:
	case <-m.quit:
	}
}

// Run drains published batches until Stop is called. It is meant to
// run in its own goroutine for the lifetime of the server.
func (m *Manager) Run() {
	defer close(m.done)
	for {
		select {
		case batch := <-m.in:
			m.deliver(batch)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) deliver(batch []Notification) {
	m.mu.Lock()
	sources := make([]*Source, 0, len(m.sources))
	for _, s := range m.sources {
		sources = append(sources, s)
	}
	m.mu.Unlock()

	for _, s := range sources {
		var accepted []Notification
		for _, n := range batch {
			if s.accepts(n) {
				accepted = append(accepted, n)
			}
		}
		if len(accepted) == 0 {
			continue
		}
		select {
		case s.C <- accepted:
		default:
			// Drop-oldest backpressure: make room for the freshest batch
			// rather than block the manager goroutine on a slow reader.
			select {
			case <-s.C:
			default:
			}
			select {
			case s.C <- accepted:
			default:
			}
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (m *Manager) Stop() {
	close(m.quit)
	<-m.done
}
