package handshake

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
	"github.com/yuuki/ubft-rdma-core/internal/rpcserver"
)

// Handshake drives the client half of the protocol over conn: it sends
// kind, peerID, and the blob serializeConnection produces, waits for
// the server's blob and hands it to setupConnection, then confirms with
// "DONE" and expects "OK" back. Any I/O failure, or a server response
// other than "OK", is reported as a rdmaerr.Handshake error.
func Handshake[T any](conn net.Conn, kind rpcserver.RpcKind, peerID PeerID, serializeConnection func() ([]byte, error), setupConnection func(serverBlob []byte) (T, error)) (T, error) {
	var zero T

	if _, err := conn.Write([]byte{byte(kind)}); err != nil {
		return zero, handshakeIOErr("writing kind byte", err)
	}
	if _, err := conn.Write(encodePeerID(peerID)); err != nil {
		return zero, handshakeIOErr("writing peer id", err)
	}

	clientBlob, err := serializeConnection()
	if err != nil {
		return zero, rdmaerr.Wrap(rdmaerr.Handshake, "handshake.Handshake", "serializing local connection info", err)
	}
	if _, err := conn.Write(encodeLengthPrefixed(clientBlob)); err != nil {
		return zero, handshakeIOErr("writing client blob", err)
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return zero, handshakeIOErr("reading server blob length", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf)
	serverBlob := make([]byte, length)
	if _, err := io.ReadFull(conn, serverBlob); err != nil {
		return zero, handshakeIOErr("reading server blob", err)
	}

	ret, err := setupConnection(serverBlob)
	if err != nil {
		return zero, rdmaerr.Wrap(rdmaerr.Handshake, "handshake.Handshake", "setting up local connection from server blob", err)
	}

	if _, err := conn.Write([]byte(doneToken)); err != nil {
		return zero, handshakeIOErr("writing DONE token", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return zero, handshakeIOErr("reading OK/NK reply", err)
	}
	if string(reply) != okToken {
		return zero, rdmaerr.New(rdmaerr.Handshake, "handshake.Handshake", "server rejected handshake: "+string(reply))
	}

	return ret, nil
}

func handshakeIOErr(op string, err error) error {
	return rdmaerr.Wrap(rdmaerr.Handshake, "handshake.Handshake", op, err)
}
