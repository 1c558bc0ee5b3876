// Package identifier packs and unpacks {kind, peer, sequence} triples into
// the single 64-bit opaque handle that rides as the wr_id on every RDMA work
// request.
//
// Width selection is adaptive: kind gets just enough bits to represent
// 0..=maxKind, peer gets just enough bits to represent the concrete set of
// remote peer ids (plus an optional extra sentinel), and sequence gets
// whatever is left of the 64-bit word.
package identifier

import (
	"fmt"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// Kind is a small finite enumeration of logical traffic classes.
type Kind interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Unsigned is any unsigned integer usable as a peer id or sequence number.
type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// BitsNeeded returns ceil(log2(maxValue+1)), with BitsNeeded(0) == 1.
func BitsNeeded(maxValue uint64) uint {
	if maxValue == 0 {
		return 1
	}
	var bits uint
	for v := maxValue; v > 0; v >>= 1 {
		bits++
	}
	return bits
}

// MaxID returns the largest value in xs, or the zero value on empty input.
func MaxID[T Unsigned](xs []T) T {
	var max T
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	return max
}

// MaxIDWithExtra returns max(extra, MaxID(xs)).
func MaxIDWithExtra[T Unsigned](extra T, xs []T) T {
	max := MaxID(xs)
	if extra > max {
		return extra
	}
	return max
}

// Packer packs and unpacks work-request handles for one {Kind, Peer, Seq}
// width configuration. The zero value is not usable; construct with
// NewPacker.
type Packer[K Kind, P Unsigned, S Unsigned] struct {
	kindBits uint
	peerBits uint
	seqBits  uint
}

// NewPacker builds a Packer whose kind field can hold 0..=maxKind and whose
// peer field can hold 0..=maxPeer. The sequence field gets the remaining
// bits of the 64-bit word. Returns a Config error if kind and peer widths
// leave no room for a sequence field.
func NewPacker[K Kind, P Unsigned, S Unsigned](maxKind K, maxPeer P) (*Packer[K, P, S], error) {
	kindBits := BitsNeeded(uint64(maxKind))
	peerBits := BitsNeeded(uint64(maxPeer))

	if kindBits+peerBits >= 64 {
		return nil, rdmaerr.New(rdmaerr.Config, "identifier.NewPacker",
			fmt.Sprintf("kind width %d + peer width %d leaves no room for a sequence field", kindBits, peerBits))
	}

	return &Packer[K, P, S]{
		kindBits: kindBits,
		peerBits: peerBits,
		seqBits:  64 - kindBits - peerBits,
	}, nil
}

// KindBits, PeerBits, SeqBits report the active width configuration. Two
// peers exchanging work requests over the same queue pair must agree on
// these widths.
func (p *Packer[K, P, S]) KindBits() uint { return p.kindBits }
func (p *Packer[K, P, S]) PeerBits() uint { return p.peerBits }
func (p *Packer[K, P, S]) SeqBits() uint  { return p.seqBits }

func maxForWidth(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// Pack places kind, peer and seq into a single 64-bit handle. It fails with
// an Overflow error if any field does not fit in its configured width.
func (p *Packer[K, P, S]) Pack(kind K, peer P, seq S) (uint64, error) {
	k, pr, s := uint64(kind), uint64(peer), uint64(seq)

	if k > maxForWidth(p.kindBits) {
		return 0, rdmaerr.New(rdmaerr.Overflow, "identifier.Pack",
			fmt.Sprintf("kind %d does not fit in %d bits", k, p.kindBits))
	}
	if pr > maxForWidth(p.peerBits) {
		return 0, rdmaerr.New(rdmaerr.Overflow, "identifier.Pack",
			fmt.Sprintf("peer %d does not fit in %d bits", pr, p.peerBits))
	}
	if s > maxForWidth(p.seqBits) {
		return 0, rdmaerr.New(rdmaerr.Overflow, "identifier.Pack",
			fmt.Sprintf("seq %d does not fit in %d bits", s, p.seqBits))
	}

	return (k << (p.peerBits + p.seqBits)) | (pr << p.seqBits) | s, nil
}

// UnpackKind extracts the kind field of a handle produced by Pack.
func (p *Packer[K, P, S]) UnpackKind(handle uint64) K {
	return K(handle >> (p.peerBits + p.seqBits))
}

// UnpackPeer extracts the peer field of a handle produced by Pack.
func (p *Packer[K, P, S]) UnpackPeer(handle uint64) P {
	mask := maxForWidth(p.peerBits)
	return P((handle >> p.seqBits) & mask)
}

// UnpackSeq extracts the sequence field of a handle produced by Pack.
func (p *Packer[K, P, S]) UnpackSeq(handle uint64) S {
	mask := maxForWidth(p.seqBits)
	return S(handle & mask)
}

// UnpackAll extracts all three fields in one call.
func (p *Packer[K, P, S]) UnpackAll(handle uint64) (K, P, S) {
	return p.UnpackKind(handle), p.UnpackPeer(handle), p.UnpackSeq(handle)
}
