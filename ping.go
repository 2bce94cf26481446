package memstore

import "bytes"

// PingService answers liveness probes. A ping carries no body and its reply
// is status-only.
type PingService struct{}

func (PingService) Handle(w *Worker, request []byte, reply *bytes.Buffer) {
	hdr, _ := decodeHeader(request)
	if hdr.opcode != OpPing {
		writeStatus(reply, StatusMalformedRPC)
		return
	}
	writeStatus(reply, StatusOK)
}
