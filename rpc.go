package memstore

import (
	"bytes"
	"encoding/binary"
)

// ServerRPC is a fully-assembled incoming request owned by a transport.
// The transport passes exclusive ownership to the engine through
// Engine.HandleRequest and reclaims it when SendReply is invoked. SendReply
// is called exactly once per accepted request, always on the dispatch
// goroutine.
type ServerRPC interface {
	// RequestPayload returns the raw request bytes, starting with the
	// request header.
	RequestPayload() []byte

	// ReplyPayload returns the buffer the reply is accumulated into.
	ReplyPayload() *bytes.Buffer

	// SendReply hands the reply back to the transport.
	SendReply()

	// EpochSet reports whether the transport stamped the request's epoch
	// marker before delivery. The engine asserts this on entry.
	EpochSet() bool
}

// ServiceType identifies which service a request is addressed to. It is the
// first byte of every request.
type ServiceType uint8

// Service tags understood by a storage server.
const (
	ServiceMaster ServiceType = 0
	ServiceBackup ServiceType = 1
	ServicePing   ServiceType = 2

	// MaxService is the largest tag the registry accepts.
	MaxService = 7
)

// Opcode selects an operation within a service.
type Opcode uint16

const (
	OpPing Opcode = iota
	OpCreateTable
	OpOpenTable
	OpDropTable
	OpRead
	OpWrite
	OpInsert
	OpDelete
	OpBackupHeartbeat
	OpBackupWrite
	OpBackupCommit
	OpBackupFree
)

// Status is the first word of every reply.
type Status uint32

const (
	StatusOK Status = iota
	StatusMessageTooShort
	StatusServiceNotAvailable
	StatusTableDoesntExist
	StatusObjectDoesntExist
	StatusNoTableSpace
	StatusMalformedRPC
	StatusBackupSegmentMissing
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMessageTooShort:
		return "message too short"
	case StatusServiceNotAvailable:
		return "service not available"
	case StatusTableDoesntExist:
		return "table doesn't exist"
	case StatusObjectDoesntExist:
		return "object doesn't exist"
	case StatusNoTableSpace:
		return "no table space"
	case StatusMalformedRPC:
		return "malformed rpc"
	case StatusBackupSegmentMissing:
		return "backup segment missing"
	}
	return "unknown status"
}

// headerLen is the size of the common request header: service tag (1 byte)
// followed by a little-endian opcode (2 bytes).
const headerLen = 3

type requestHeader struct {
	service ServiceType
	opcode  Opcode
}

// decodeHeader reads the common header from the front of a request payload.
// ok is false if the payload is too short to contain one.
func decodeHeader(p []byte) (requestHeader, bool) {
	if len(p) < headerLen {
		return requestHeader{}, false
	}
	return requestHeader{
		service: ServiceType(p[0]),
		opcode:  Opcode(binary.LittleEndian.Uint16(p[1:3])),
	}, true
}

// MakeRequest assembles a request payload: header followed by the
// op-specific body.
func MakeRequest(service ServiceType, op Opcode, body []byte) []byte {
	p := make([]byte, headerLen+len(body))
	p[0] = byte(service)
	binary.LittleEndian.PutUint16(p[1:3], uint16(op))
	copy(p[headerLen:], body)
	return p
}

// writeStatus appends the status word to the reply; handlers call it first
// so the status leads the reply.
func writeStatus(reply *bytes.Buffer, s Status) {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], uint32(s))
	reply.Write(w[:])
}

// prepareErrorResponse discards anything already in the reply buffer and
// replaces it with a status-only error reply.
func prepareErrorResponse(reply *bytes.Buffer, s Status) {
	reply.Reset()
	writeStatus(reply, s)
}

// DecodeReply splits a reply payload into its status word and body. ok is
// false if the payload is shorter than a status word.
func DecodeReply(p []byte) (Status, []byte, bool) {
	if len(p) < 4 {
		return 0, nil, false
	}
	return Status(binary.LittleEndian.Uint32(p[:4])), p[4:], true
}
