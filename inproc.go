package memstore

import (
	"bytes"
	"context"
)

// inprocRPC carries one loopback request through the dispatch loop.
type inprocRPC struct {
	req   []byte
	reply bytes.Buffer

	// respond is closed by SendReply after result has been snapshotted,
	// releasing the caller blocked in Call.
	result  []byte
	respond chan struct{}
}

func (r *inprocRPC) RequestPayload() []byte      { return r.req }
func (r *inprocRPC) ReplyPayload() *bytes.Buffer { return &r.reply }
func (r *inprocRPC) EpochSet() bool              { return true }

func (r *inprocRPC) SendReply() {
	r.result = append([]byte(nil), r.reply.Bytes()...)
	close(r.respond)
}

// InprocClient issues requests directly into a Server's dispatch loop
// without a network in between. Used by embedders and tests.
type InprocClient struct {
	srv *Server
}

// NewInprocClient returns a loopback client for the given server.
func NewInprocClient(srv *Server) *InprocClient {
	return &InprocClient{srv: srv}
}

// Call sends one request and blocks until its reply arrives or ctx is
// done. The returned bytes start with the reply status word.
func (c *InprocClient) Call(ctx context.Context, request []byte) ([]byte, error) {
	rpc := &inprocRPC{req: request, respond: make(chan struct{})}
	c.srv.Deliver(rpc)
	select {
	case <-rpc.respond:
		return rpc.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
