// Package handshake implements the server- and client-side halves of
// the out-of-band TCP exchange two processes use to agree on the
// opaque descriptors needed to form an RDMA queue-pair.
//
// The wire format is little-endian throughout:
//
//  1. client -> server: client id (4 bytes)
//  2. client -> server: length (4 bytes) + client connection-info blob
//  3. server -> client: length (4 bytes) + server connection-info blob
//  4. client -> server: the exact ASCII bytes "DONE"
//  5. server -> client: "OK" on success, "NK" on failure
package handshake

import (
	"encoding/binary"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// PeerID identifies a client across the handshake and the liveness
// surface (Manager.CollectInactive/MarkInactive/Remove). It is framed
// on the wire as a fixed 4-byte little-endian value, independent of
// whatever peer-id width a given deployment's work-request codec uses
// internally.
type PeerID uint32

const (
	doneToken = "DONE"
	okToken   = "OK"
	nkToken   = "NK"
)

// StepKind identifies which parser transition an Event came from.
type StepKind int

const (
	// StepClientID fires on S0 -> S1: the client id has been consumed.
	StepClientID StepKind = iota
	// StepPayload fires on S1 -> S2: the client's length-prefixed blob
	// has been consumed.
	StepPayload
	// StepDone fires on S2 -> S3: the "DONE" token has been consumed.
	StepDone
)

// Event is emitted by Parser.Next on every state transition.
type Event struct {
	Kind     StepKind
	ClientID PeerID
	Payload  []byte
}

type parserState int

const (
	stateAwaitingClientID parserState = iota
	stateAwaitingPayload
	stateAwaitingDone
	stateDone
)

// Parser drives one connection's server-side state machine, S0 through
// the terminal S3. It owns no I/O: bytes are pushed in with Feed and
// transitions are drained with Next.
type Parser struct {
	state parserState
	buf   []byte
}

// NewParser returns a Parser in its initial state, S0.
func NewParser() *Parser {
	return &Parser{state: stateAwaitingClientID}
}

// Feed appends newly-arrived bytes to the parser's buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next attempts one state transition against the buffered bytes. It
// returns ok=false when not enough bytes are buffered yet for the
// current state, and an error if S2 saw four bytes that were not
// exactly "DONE". Once S3 is reached, Next always returns ok=false.
func (p *Parser) Next() (Event, bool, error) {
	switch p.state {
	case stateAwaitingClientID:
		if len(p.buf) < 4 {
			return Event{}, false, nil
		}
		id := PeerID(binary.LittleEndian.Uint32(p.buf[:4]))
		p.buf = p.buf[4:]
		p.state = stateAwaitingPayload
		return Event{Kind: StepClientID, ClientID: id}, true, nil

	case stateAwaitingPayload:
		if len(p.buf) < 4 {
			return Event{}, false, nil
		}
		length := binary.LittleEndian.Uint32(p.buf[:4])
		if uint32(len(p.buf)-4) < length {
			return Event{}, false, nil
		}
		payload := make([]byte, length)
		copy(payload, p.buf[4:4+length])
		p.buf = p.buf[4+length:]
		p.state = stateAwaitingDone
		return Event{Kind: StepPayload, Payload: payload}, true, nil

	case stateAwaitingDone:
		if len(p.buf) < 4 {
			return Event{}, false, nil
		}
		token := string(p.buf[:4])
		p.buf = p.buf[4:]
		if token != doneToken {
			p.state = stateDone
			return Event{}, false, rdmaerr.New(rdmaerr.Protocol, "handshake.Parser.Next", "expected DONE token, got "+token)
		}
		p.state = stateDone
		return Event{Kind: StepDone}, true, nil

	default:
		return Event{}, false, nil
	}
}

func encodeLengthPrefixed(blob []byte) []byte {
	out := make([]byte, 4+len(blob))
	binary.LittleEndian.PutUint32(out, uint32(len(blob)))
	copy(out[4:], blob)
	return out
}

func encodePeerID(id PeerID) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(id))
	return out
}
