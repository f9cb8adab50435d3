// Package protoserver implements the connection engine: the
// per-connection worker that reads the streaming, literal-augmented
// protocol defined in package proto, dispatches commands to handlers,
// and writes tagged responses (spec.md §4.6, §5).
package protoserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"crawshaw.io/iox"

	"github.com/xrg/akonadi/notify"
	"github.com/xrg/akonadi/proto"
	"github.com/xrg/akonadi/search"
	"github.com/xrg/akonadi/storage"
	"github.com/xrg/akonadi/util/throttle"
)

// ProtocolVersion is announced in the server greeting (spec.md §6).
const ProtocolVersion = 41

// ConnState is the connection state machine named in spec.md §4.6.
// No handler enters Selected; every verb allowed in Authenticated is
// also allowed in Selected. LOGOUT sets LoggingOut, which ends the
// connection's serve loop after the response (SPEC_FULL.md §10,
// resolving spec.md's open question about these two states).
type ConnState int

const (
	NonAuthenticated ConnState = iota
	Authenticated
	Selected
	LoggingOut
)

// AuthFunc authenticates a LOGIN attempt and returns an opaque
// resource/session identity, or an error with a user-facing message.
type AuthFunc func(ctx context.Context, username, secret []byte) (sessionID string, err error)

// Server accepts connections on a single listener and owns the
// process-wide dependencies every Conn needs (spec.md §5 "Server
// core").
type Server struct {
	Backend   *storage.Backend
	Caches    *storage.Caches
	Manager   *notify.Manager
	Janitor   *storage.Janitor
	Filer     *iox.Filer
	Search    *search.Manager
	Auth      AuthFunc
	Logf      func(format string, v ...interface{})
	MaxConns  int

	// LoginThrottle delays repeated failed LOGIN attempts from the same
	// remote address, initialized by NewServer.
	LoginThrottle *throttle.Throttle

	ln net.Listener

	connsMu   sync.Mutex
	connsCond *sync.Cond
	conns     map[*Conn]struct{}

	shutdown chan struct{}
}

// NewServer returns a Server with its registries initialized.
func NewServer() *Server {
	s := &Server{
		Logf:          func(format string, v ...interface{}) {},
		MaxConns:      1 << 10,
		conns:         make(map[*Conn]struct{}),
		shutdown:      make(chan struct{}),
		LoginThrottle: &throttle.Throttle{},
	}
	s.connsCond = sync.NewCond(&s.connsMu)
	return s
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	var tempDelay time.Duration

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.Logf("protoserver: accept: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go s.serveConn(c)
	}
}

func (s *Server) genSessionID() (string, error) {
	b := make([]byte, 10)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(b), nil
}

func (s *Server) serveConn(netConn net.Conn) {
	sessionID, err := s.genSessionID()
	if err != nil {
		s.Logf("protoserver: generating session id: %v", err)
		netConn.Close()
		return
	}

	c := &Conn{
		ID:      sessionID,
		Logf:    func(format string, v ...interface{}) { s.Logf("session("+sessionID+"): "+format, v...) },
		server:  s,
		netConn: netConn,
		state:   NonAuthenticated,
	}
	c.br = bufio.NewReader(netConn)
	c.bw = bufio.NewWriter(netConn)

	s.connsMu.Lock()
	for len(s.conns) >= s.MaxConns {
		s.connsCond.Wait()
	}
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	c.serve()
}

// Shutdown closes the listener and every open connection, then waits
// for their serve loops to return. Per spec.md §5, connections are
// asked to quit before background workers — callers stop the Manager
// and Janitor themselves after Shutdown returns.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.shutdown)
	if s.ln != nil {
		s.ln.Close()
	}

	s.connsMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.connsMu.Unlock()

	for {
		s.connsMu.Lock()
		n := len(s.conns)
		s.connsMu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Conn is one client's connection: socket, parser, session state, and
// its lazily-opened DataStore (spec.md §4.6, §6 "Per-thread DataStore").
type Conn struct {
	ID   string
	Logf func(format string, v ...interface{})

	server  *Server
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	litf    *iox.BufferFile

	p     *proto.Parser
	state ConnState

	// Resource identifies the authenticated session; empty until LOGIN
	// succeeds.
	Resource string

	ds     *storage.DataStore
	source *notify.Source

	closeOnce sync.Once
}

// ctx is the context every handler runs its storage calls under. A
// connection has no per-request deadline of its own; callers that need
// one derive it from ctx themselves.
func (c *Conn) ctx() context.Context { return context.Background() }

func (c *Conn) respond(status, format string, v ...interface{}) {
	c.bw.WriteString(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	c.bw.WriteString(status)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteString("\r\n")
	c.bw.Flush()
}

func (c *Conn) untagged(format string, v ...interface{}) {
	c.bw.WriteString("* ")
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteString("\r\n")
}

// writeLiteral writes data as an inline protocol literal, "{N}\r\n"
// followed by N raw bytes, the same grammar proto.Scanner's ReadAtom
// already parses coming in. Callers write the surrounding line
// (part name, trailing punctuation) themselves around this.
func (c *Conn) writeLiteral(data []byte) {
	fmt.Fprintf(c.bw, "{%d}\r\n", len(data))
	c.bw.Write(data)
}

// dataStore lazily opens c's DataStore on first use, wiring Publish to
// the server's notification manager.
func (c *Conn) dataStore(ctx context.Context) (*storage.DataStore, error) {
	if c.ds != nil {
		return c.ds, nil
	}
	ds, err := storage.Open(ctx, c.server.Backend, c.server.Caches)
	if err != nil {
		return nil, err
	}
	ds.Publish = c.server.Manager.Publish
	c.server.Janitor.Track(ds)
	c.ds = ds
	return ds, nil
}

func (c *Conn) serve() {
	defer c.teardown()

	if c.server.Filer != nil {
		c.litf = c.server.Filer.BufferFile(0)
	}

	c.bw.WriteString(fmt.Sprintf("* OK Akonadi Almost IMAP Server [PROTOCOL %d]\r\n", ProtocolVersion))
	c.bw.Flush()

	contFn := func(msg string, n uint32) {
		c.bw.WriteString(msg)
		c.bw.Flush()
	}
	c.p = &proto.Parser{Scanner: proto.NewScanner(c.br, c.litf)}
	c.p.Scanner.ContFn = contFn

	for {
		if _, err := c.br.Peek(1); err != nil {
			return
		}
		if !c.serveOne() {
			return
		}
	}
}

func (c *Conn) serveOne() bool {
	err := c.p.ParseCommand()
	if err == io.EOF {
		return false
	}
	if te, ok := err.(proto.TaggedError); ok {
		fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
		c.bw.Flush()
		return true
	}
	if _, ok := err.(proto.ParseError); ok {
		fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
		c.bw.Flush()
		return true
	}
	if err != nil {
		c.bw.WriteString("* BAD connection error\r\n")
		c.bw.Flush()
		return false
	}

	c.dispatch()
	return c.state != LoggingOut
}

func (c *Conn) dispatch() {
	verb := c.p.Command.Verb
	h, ok := handlers[verb]
	if !ok {
		c.respond("BAD", "Unknown command %q", verb)
		c.p.Scanner.SkipCurrentCommand()
		return
	}
	if !h.alwaysAllowed && !h.allowedIn[c.state] {
		c.respond("BAD", "Command %q not permitted in current state", verb)
		c.p.Scanner.SkipCurrentCommand()
		return
	}
	h.fn(c)
	c.p.Scanner.SkipCurrentCommand()
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		if c.source != nil {
			c.server.Manager.Unregister(c.source.ID)
		}
		if c.ds != nil {
			c.server.Janitor.Untrack(c.ds)
			c.ds.Close()
		}
		if c.litf != nil {
			c.litf.Close()
		}
		c.netConn.Close()

		c.server.connsMu.Lock()
		delete(c.server.conns, c)
		c.server.connsCond.Signal()
		c.server.connsMu.Unlock()
	})
}

func (c *Conn) close() {
	c.netConn.Close()
}
