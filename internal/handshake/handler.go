package handshake

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yuuki/ubft-rdma-core/internal/rpcserver"
)

// sweepInterval is how often Handler.Run checks the manager's
// CollectInactive surface on connections that aren't otherwise
// producing traffic. The protocol names no period for this; 20
// milliseconds mirrors the retry cadence used elsewhere against the
// process directory, giving stale peers a bounded cleanup latency
// without polling aggressively.
const sweepInterval = 20 * time.Millisecond

type session struct {
	parser *Parser
	peerID PeerID
	has    bool
}

// Handler adapts a Manager onto the rpcserver.Handler contract: one
// handshake session runs per connection, driven by a Parser, with
// responses written back through the connection's Send.
type Handler struct {
	kind    rpcserver.RpcKind
	server  *rpcserver.Server
	manager Manager
	logger  *slog.Logger

	sessions   map[uint64]*session
	peerToConn map[PeerID]uint64
	connToPeer map[uint64]PeerID

	activeSessions atomic.Int64
	successes      atomic.Uint64
	failures       atomic.Uint64
}

// NewHandler builds a Handler for kind, backed by manager. server must
// be the same Server the Handler will eventually be attached to: it is
// used to reach connections other than the one currently being fed,
// for the inactive-peer liveness sweep.
func NewHandler(server *rpcserver.Server, kind rpcserver.RpcKind, manager Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		kind:       kind,
		server:     server,
		manager:    manager,
		logger:     logger,
		sessions:   make(map[uint64]*session),
		peerToConn: make(map[PeerID]uint64),
		connToPeer: make(map[uint64]PeerID),
	}
}

// Kind implements rpcserver.Handler.
func (h *Handler) Kind() rpcserver.RpcKind { return h.kind }

// Run periodically sweeps the manager's liveness surface, disconnecting
// any peer it reports as inactive, until ctx is done. It should be
// started once the server is running and stopped alongside it.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepNow()
		}
	}
}

// SweepNow runs one inactive-peer sweep synchronously, blocking until
// it has executed on the dispatch goroutine. Run calls this on a
// timer; tests call it directly to avoid racing the ticker.
func (h *Handler) SweepNow() {
	done := make(chan struct{})
	h.server.RunOnDispatch(func() {
		h.sweepInactive()
		close(done)
	})
	<-done
}

func (h *Handler) sweepInactive() {
	for _, peer := range h.manager.CollectInactive() {
		id, ok := h.peerToConn[peer]
		if !ok {
			continue
		}
		if c := h.server.ConnByID(id); c != nil {
			c.Close()
		}
	}
}

// Feed implements rpcserver.Handler. It runs the inactive-peer sweep,
// feeds data into this connection's parser, and drains every
// transition the parser emits.
func (h *Handler) Feed(conn *rpcserver.Conn, data []byte) error {
	h.sweepInactive()

	sess, ok := h.sessions[conn.ID()]
	if !ok {
		sess = &session{parser: NewParser()}
		h.sessions[conn.ID()] = sess
		h.activeSessions.Add(1)
	}
	sess.parser.Feed(data)

	for {
		ev, ok, err := sess.parser.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		switch ev.Kind {
		case StepClientID:
			sess.peerID = ev.ClientID
			sess.has = true

		case StepPayload:
			okHandle, serverBlob := h.manager.HandleStep1(sess.peerID, ev.Payload)
			if !okHandle {
				h.logger.Warn("handshake step1 rejected", "peer_id", sess.peerID)
				continue
			}
			h.peerToConn[sess.peerID] = conn.ID()
			h.connToPeer[conn.ID()] = sess.peerID
			conn.Send(encodeLengthPrefixed(serverBlob))

		case StepDone:
			if h.manager.HandleStep2(sess.peerID) {
				h.successes.Add(1)
				conn.Send([]byte(okToken))
			} else {
				h.failures.Add(1)
				conn.Send([]byte(nkToken))
			}
		}
	}
}

// Disconnected implements rpcserver.Handler.
func (h *Handler) Disconnected(conn *rpcserver.Conn) {
	if _, ok := h.sessions[conn.ID()]; ok {
		delete(h.sessions, conn.ID())
		h.activeSessions.Add(-1)
	}
	peer, ok := h.connToPeer[conn.ID()]
	if !ok {
		return
	}
	h.manager.MarkInactive(peer)
	h.manager.Remove(peer)
	delete(h.connToPeer, conn.ID())
	delete(h.peerToConn, peer)
}

// ActiveSessions reports how many connections currently have an
// in-progress or completed handshake session tracked, for metrics
// reporting.
func (h *Handler) ActiveSessions() int64 { return h.activeSessions.Load() }

// Successes reports the total number of handshakes this Handler has
// completed with HandleStep2 granting the peer.
func (h *Handler) Successes() uint64 { return h.successes.Load() }

// Failures reports the total number of handshakes this Handler has
// completed with HandleStep2 rejecting the peer.
func (h *Handler) Failures() uint64 { return h.failures.Load() }
