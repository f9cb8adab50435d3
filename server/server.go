// Package server assembles the storage backend, notification manager,
// janitor, and protocol engine into one process, and owns orderly
// startup/shutdown across them (grounded on
// spilldb.New/Serve/Shutdown's wiring shape).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"crawshaw.io/iox"

	"github.com/xrg/akonadi/agentchannel"
	"github.com/xrg/akonadi/notify"
	"github.com/xrg/akonadi/proto/protoserver"
	"github.com/xrg/akonadi/search"
	"github.com/xrg/akonadi/storage"
)

// Server is the top-level process: one storage Backend, the
// process-wide caches every DataStore shares, the notification
// manager, the idle/keep-alive janitor, and the connection engine.
type Server struct {
	Logf func(format string, v ...interface{})

	Backend *storage.Backend
	Caches  *storage.Caches
	Manager *notify.Manager
	Janitor *storage.Janitor
	Filer   *iox.Filer
	Agents  *agentchannel.Registry
	Search  *search.Manager

	proto *protoserver.Server

	mu       sync.Mutex
	wg       sync.WaitGroup
	shutdown bool
}

// Config selects the storage backend a Server opens on New.
type Config struct {
	// SQLitePath, MySQLDSN, and PostgresDSN are mutually exclusive; the
	// first non-empty one selects the backend.
	SQLitePath string
	MySQLDSN   string
	PostgresDSN string

	MaxConns int
}

// New opens the configured storage backend and wires the rest of the
// process's dependencies, without starting any goroutines yet.
func New(cfg Config) (*Server, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("server.New: %v", err)
	}

	s := &Server{
		Logf:    func(format string, v ...interface{}) {},
		Backend: backend,
		Caches:  storage.NewCaches(),
		Manager: notify.NewManager(),
		Janitor: storage.NewJanitor(),
		Filer:   iox.NewFiler(0),
		Agents:  agentchannel.NewRegistry(),
	}
	s.Search = search.NewManager(func(ctx context.Context) (*storage.DataStore, error) {
		return storage.Open(ctx, s.Backend, s.Caches)
	})

	s.proto = protoserver.NewServer()
	s.proto.Backend = backend
	s.proto.Caches = s.Caches
	s.proto.Manager = s.Manager
	s.proto.Janitor = s.Janitor
	s.proto.Filer = s.Filer
	s.proto.Search = s.Search
	s.proto.Auth = s.Agents.Authenticate
	if cfg.MaxConns > 0 {
		s.proto.MaxConns = cfg.MaxConns
	}
	return s, nil
}

func openBackend(cfg Config) (*storage.Backend, error) {
	switch {
	case cfg.SQLitePath != "":
		return storage.OpenSQLite(cfg.SQLitePath)
	case cfg.MySQLDSN != "":
		return storage.OpenMySQL(cfg.MySQLDSN)
	case cfg.PostgresDSN != "":
		return storage.OpenPostgreSQL(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("server: no backend configured")
	}
}

// SetLogf propagates a shared logger to every subsystem that accepts
// one, following the teacher's "s.Logf = log.Printf" assignment style.
func (s *Server) SetLogf(logf func(format string, v ...interface{})) {
	s.Logf = logf
	s.Janitor.Logf = logf
	s.proto.Logf = logf
	s.Search.Logf = logf
}

// Serve accepts connections on ln and runs the background workers
// (notification manager, janitor) until Shutdown is called. It blocks
// until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Manager.Run()
	}()
	go func() {
		defer s.wg.Done()
		if err := s.Janitor.Run(); err != nil {
			s.Logf("server: janitor: %v", err)
		}
	}()

	return s.proto.Serve(ln)
}

// Shutdown stops accepting connections, closes every open Conn, then
// stops the janitor and manager goroutines, in that order (connections
// depend on both staying up while they drain; background workers do
// not depend on connections).
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.proto.Shutdown(ctx); err != nil {
		return err
	}

	if err := s.Janitor.Shutdown(ctx); err != nil {
		s.Logf("server: janitor shutdown: %v", err)
	}
	s.Manager.Stop()
	s.Search.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	if err := s.Filer.Shutdown(ctx); err != nil {
		s.Logf("server: filer shutdown: %v", err)
	}
	return s.Backend.Close()
}
