package handshake

// Manager is the server-side contract a connection-handshake Handler
// delegates to: it decides whether each step succeeds and exposes the
// liveness surface the handler uses to forcibly close stale sessions.
type Manager interface {
	// HandleStep1 is invoked once the client id and client blob have
	// both been parsed. On success it returns the blob to send back to
	// the client; on failure the handler logs and sends nothing, and
	// the client is expected to time out.
	HandleStep1(peerID PeerID, clientBlob []byte) (ok bool, serverBlob []byte)
	// HandleStep2 is invoked once the "DONE" token has been parsed. Its
	// result decides whether the handler sends "OK" or "NK".
	HandleStep2(peerID PeerID) (ok bool)

	// CollectInactive returns every peer the manager currently
	// considers dead; the handler forcibly disconnects each one.
	CollectInactive() []PeerID
	// MarkInactive is called once, right before Remove, when a
	// connection is torn down for any reason.
	MarkInactive(peerID PeerID)
	// Remove drops any manager-side state kept for peerID.
	Remove(peerID PeerID)
}

// InMemoryManager is a Manager whose step callbacks are supplied as
// plain functions and whose liveness state lives in an in-process set,
// suitable for handlers that don't need to coordinate real RDMA
// resources (for example, a JOIN/LEAVE membership kind).
type InMemoryManager struct {
	Step1 func(peerID PeerID, clientBlob []byte) (bool, []byte)
	Step2 func(peerID PeerID) bool

	inactive map[PeerID]bool
}

// NewInMemoryManager builds an InMemoryManager from the two step
// callbacks. Either may be nil, in which case that step always fails.
func NewInMemoryManager(step1 func(PeerID, []byte) (bool, []byte), step2 func(PeerID) bool) *InMemoryManager {
	return &InMemoryManager{
		Step1:    step1,
		Step2:    step2,
		inactive: make(map[PeerID]bool),
	}
}

func (m *InMemoryManager) HandleStep1(peerID PeerID, clientBlob []byte) (bool, []byte) {
	if m.Step1 == nil {
		return false, nil
	}
	return m.Step1(peerID, clientBlob)
}

func (m *InMemoryManager) HandleStep2(peerID PeerID) bool {
	if m.Step2 == nil {
		return false
	}
	return m.Step2(peerID)
}

// MarkDead schedules peerID to be reported by the next CollectInactive
// call and forcibly disconnected.
func (m *InMemoryManager) MarkDead(peerID PeerID) {
	m.inactive[peerID] = true
}

func (m *InMemoryManager) CollectInactive() []PeerID {
	out := make([]PeerID, 0, len(m.inactive))
	for id := range m.inactive {
		out = append(out, id)
	}
	return out
}

func (m *InMemoryManager) MarkInactive(peerID PeerID) {}

func (m *InMemoryManager) Remove(peerID PeerID) {
	delete(m.inactive, peerID)
}
