// Package rpcserver implements a single-threaded cooperative RPC server:
// one TCP listener demultiplexes incoming connections by a first-byte
// kind discriminant onto a fixed set of attached handlers.
//
// Every piece of shared state — the kind-to-handler table, the
// connection table, and each connection's assigned kind — is only ever
// touched by one goroutine, the dispatch loop, the Go analogue of the
// single worker thread a libuv event loop would run on. Per-connection
// goroutines (one reader, one writer) only move bytes; they report
// everything back to the dispatch loop as events on a single channel
// and never touch handler state themselves. Handler callbacks therefore
// run serialized, exactly as the framework they're modeled on requires,
// and must not themselves block.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// RpcKind is the first-byte discriminant identifying which handler owns
// a connection.
type RpcKind uint8

// Handler is attached to the server under one RpcKind.
type Handler interface {
	Kind() RpcKind
	// Feed is called once per inbound read, with the kind byte already
	// stripped from the connection's very first read. It must not block.
	Feed(conn *Conn, data []byte) error
	// Disconnected is called exactly once, after the connection's kind
	// was assigned, when the connection is closed for any reason.
	Disconnected(conn *Conn)
}

// Conn is the handle a Handler uses to write to, or close, its
// connection. It is only ever valid to call from within a Handler
// callback, i.e. on the dispatch goroutine.
type Conn struct {
	id     connID
	server *Server
}

// ID uniquely identifies this connection for the life of the server.
func (c *Conn) ID() uint64 { return uint64(c.id) }

// SessionID returns a string safe to put in a log line to correlate
// events for one connection, without exposing its internal id or
// relying on a Go pointer's unstable identity.
func (c *Conn) SessionID() string {
	cs, ok := c.server.conns[c.id]
	if !ok {
		return ""
	}
	return cs.sessionID.String()
}

// RemoteAddr reports the connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	cs, ok := c.server.conns[c.id]
	if !ok {
		return nil
	}
	return cs.conn.RemoteAddr()
}

// Send asynchronously writes data: the bytes are copied into an owned
// buffer and handed to the connection's writer goroutine. If the
// writer is backed up past its queue capacity, the connection is
// closed, matching the framework's "on write error, close" contract.
func (c *Conn) Send(data []byte) {
	c.server.dispatchMu.assertOwned()
	cs := c.server.conns[c.id]
	if cs == nil {
		return
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	select {
	case cs.writeCh <- owned:
	default:
		c.server.closeConnLocked(cs)
	}
}

// Close closes the connection immediately.
func (c *Conn) Close() {
	c.server.dispatchMu.assertOwned()
	cs := c.server.conns[c.id]
	if cs == nil {
		return
	}
	c.server.closeConnLocked(cs)
}

// connID is an internal monotonically increasing per-server connection
// identifier, the Go analogue of logging a connection pointer, without
// relying on a Go pointer's non-stable identity for anything but a map
// key.
type connID uint64

type eventKind int

const (
	evAccepted eventKind = iota
	evData
	evClosed
	evFunc
)

type connEvent struct {
	id   connID
	typ  eventKind
	cs   *connState
	data []byte
	fn   func()
}

type connState struct {
	id        connID
	sessionID uuid.UUID
	conn      net.Conn
	writeCh   chan []byte

	kindAssigned bool
	kind         RpcKind
	handler      Handler
}

// dispatchOwnership is a no-op assertion hook kept separate from a real
// mutex: every Conn method it guards is only ever called from within a
// Handler callback, which by construction runs on the dispatch
// goroutine, so no lock is actually taken here (mirroring the upstream
// assumption that handler state needs no internal synchronization).
type dispatchOwnership struct{}

func (dispatchOwnership) assertOwned() {}

// Server is a single-threaded cooperative RPC server bound to one TCP
// listener.
type Server struct {
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	listener net.Listener
	stopCh   chan struct{}
	doneCh   chan struct{}
	group    *errgroup.Group

	handlers map[RpcKind]Handler

	events     chan connEvent
	conns      map[connID]*connState
	nextID     connID
	dispatchMu dispatchOwnership
}

// New builds a Server with no attached handlers and no listener.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		handlers: make(map[RpcKind]Handler),
	}
}

// AttachHandler registers h under its own Kind(). It must be called
// before Start; attaching two handlers under the same kind fails with
// a Config error.
func (s *Server) AttachHandler(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return rdmaerr.New(rdmaerr.Config, "rpcserver.AttachHandler", "cannot attach a handler after Start")
	}
	if _, ok := s.handlers[h.Kind()]; ok {
		return rdmaerr.New(rdmaerr.Config, "rpcserver.AttachHandler", fmt.Sprintf("kind %d already has a handler", h.Kind()))
	}
	s.handlers[h.Kind()] = h
	return nil
}

// Start begins listening on addr and runs the event loop on dedicated
// goroutines. Calling Start again while already running is a no-op
// returning changed=false.
func (s *Server) Start(addr string) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false, nil
	}

	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return false, rdmaerr.Wrap(rdmaerr.IO, "rpcserver.Start", "listening on "+addr, err)
	}

	s.listener = ln
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.events = make(chan connEvent, 256)
	s.conns = make(map[connID]*connState)
	group := &errgroup.Group{}
	s.group = group

	group.Go(func() error {
		s.acceptLoop(ln)
		return nil
	})
	go s.dispatchLoop()

	s.logger.Info("rpc server listening", "addr", ln.Addr().String())
	return true, nil
}

// setReuseAddr sets SO_REUSEADDR on the listening socket so a restart
// immediately after Stop doesn't have to wait out TIME_WAIT, the Go
// analogue of the libuv TCP setup's reuse-address flag.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// StartOrChangePort behaves like Start, except that on "address already
// in use" it increments the port and retries, returning the port it
// finally bound.
func (s *Server) StartOrChangePort(host string, startPort int) (changed bool, port int, err error) {
	port = startPort
	for {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		changed, err = s.Start(addr)
		if err == nil {
			return changed, port, nil
		}
		if !isAddrInUse(err) {
			return false, 0, err
		}
		port++
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return strings.Contains(opErr.Err.Error(), "address already in use")
	}
	return strings.Contains(err.Error(), "address already in use")
}

// Stop signals the event loop to exit, closes every outstanding
// connection (invoking each attached handler's Disconnected), and
// blocks until every goroutine the server owns has exited. Calling Stop
// when not running is a no-op returning changed=false.
func (s *Server) Stop() (changed bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	ln := s.listener
	stopCh := s.stopCh
	doneCh := s.doneCh
	group := s.group
	s.mu.Unlock()

	close(stopCh)
	_ = ln.Close()
	<-doneCh
	_ = group.Wait()
	s.logger.Info("rpc server stopped")
	return true
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		id := s.nextID
		s.nextID++
		s.mu.Unlock()

		cs := &connState{id: id, sessionID: uuid.New(), conn: conn, writeCh: make(chan []byte, 256)}
		s.logger.Debug("rpc connection accepted", "session", cs.sessionID, "remote", conn.RemoteAddr())
		s.group.Go(func() error {
			s.readerLoop(cs)
			return nil
		})
		s.group.Go(func() error {
			s.writerLoop(cs)
			return nil
		})

		select {
		case s.events <- connEvent{id: id, typ: evAccepted, cs: cs}:
		case <-s.stopCh:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) readerLoop(cs *connState) {
	buf := make([]byte, 4096)
	for {
		n, err := cs.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.events <- connEvent{id: cs.id, typ: evData, data: data}:
			case <-s.stopCh:
				return
			}
		}
		if err != nil {
			select {
			case s.events <- connEvent{id: cs.id, typ: evClosed}:
			case <-s.stopCh:
			}
			return
		}
	}
}

func (s *Server) writerLoop(cs *connState) {
	for data := range cs.writeCh {
		if _, err := cs.conn.Write(data); err != nil {
			select {
			case s.events <- connEvent{id: cs.id, typ: evClosed}:
			case <-s.stopCh:
			}
			return
		}
	}
}

// closeConnLocked closes cs and notifies its handler. Despite the name
// it takes no lock: it is only ever called from the dispatch goroutine,
// which is the sole owner of s.conns.
func (s *Server) closeConnLocked(cs *connState) {
	if _, ok := s.conns[cs.id]; !ok {
		return
	}
	delete(s.conns, cs.id)
	if cs.kindAssigned {
		cs.handler.Disconnected(&Conn{id: cs.id, server: s})
	}
	s.logger.Debug("rpc connection closed", "session", cs.sessionID)
	close(cs.writeCh)
	_ = cs.conn.Close()
}

func (s *Server) dispatchLoop() {
	defer close(s.doneCh)
	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-s.stopCh:
			for _, cs := range s.conns {
				s.closeConnLocked(cs)
			}
			return
		}
	}
}

func (s *Server) handleEvent(ev connEvent) {
	switch ev.typ {
	case evAccepted:
		s.conns[ev.id] = ev.cs

	case evData:
		cs, ok := s.conns[ev.id]
		if !ok {
			return
		}
		s.feed(cs, ev.data)

	case evClosed:
		cs, ok := s.conns[ev.id]
		if !ok {
			return
		}
		s.closeConnLocked(cs)

	case evFunc:
		ev.fn()
	}
}

// Addr returns the address the server is currently listening on, or
// the empty string if it is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ConnByID returns a handle to the connection identified by id, or nil
// if it no longer exists. Like every other Conn-producing call, this is
// only valid to call from the dispatch goroutine, i.e. from within a
// Handler callback or a function passed to RunOnDispatch.
func (s *Server) ConnByID(id uint64) *Conn {
	if _, ok := s.conns[connID(id)]; !ok {
		return nil
	}
	return &Conn{id: connID(id), server: s}
}

// RunOnDispatch schedules fn to run on the dispatch goroutine, giving it
// the same safe access to connection state that a Handler callback has.
// It is the mechanism a handler uses to act on connections outside of
// its own Feed/Disconnected calls, for example a periodic liveness
// sweep. fn is dropped without running if the server is stopped before
// it is scheduled.
func (s *Server) RunOnDispatch(fn func()) {
	s.mu.Lock()
	events := s.events
	stopCh := s.stopCh
	s.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- connEvent{typ: evFunc, fn: fn}:
	case <-stopCh:
	}
}

func (s *Server) feed(cs *connState, data []byte) {
	if !cs.kindAssigned {
		if len(data) == 0 {
			return
		}
		kind := RpcKind(data[0])
		handler, ok := s.handlers[kind]
		if !ok {
			s.logger.Warn("closing connection with unknown rpc kind", "kind", kind)
			s.closeConnLocked(cs)
			return
		}
		cs.kindAssigned = true
		cs.kind = kind
		cs.handler = handler
		data = data[1:]
		if len(data) == 0 {
			return
		}
	}

	conn := &Conn{id: cs.id, server: s}
	if err := cs.handler.Feed(conn, data); err != nil {
		s.logger.Debug("handler feed failed, closing connection", "kind", cs.kind, "error", err)
		s.closeConnLocked(cs)
	}
}
