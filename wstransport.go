package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// Frame layout: flags (1 byte), request id (16 bytes), payload. The reply
// frame echoes the request id so clients can run many RPCs on one
// connection. Bit 0 of flags marks a brotli-compressed payload; a
// compressed request gets a compressed reply.
const (
	frameHeaderLen  = 17
	flagCompressed  = 0x01
	maxFrameBytes   = 16 * 1024 * 1024
	maxInflateBytes = 64 * 1024 * 1024
)

// wsWriteTimeout is the maximum duration of a single reply write.
const wsWriteTimeout = 10 * time.Second

// wsOutDepth bounds per-connection reply frames awaiting the writer
// goroutine. SendReply runs on the dispatch goroutine and must not block,
// so a frame that finds the buffer full is dropped.
const wsOutDepth = 256

func encodeFrame(id uuid.UUID, compress bool, payload []byte) []byte {
	var flags byte
	if compress {
		flags |= flagCompressed
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, _ = w.Write(payload)
		_ = w.Close()
		payload = buf.Bytes()
	}
	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = flags
	copy(frame[1:frameHeaderLen], id[:])
	copy(frame[frameHeaderLen:], payload)
	return frame
}

func decodeFrame(frame []byte) (id uuid.UUID, payload []byte, compressed bool, err error) {
	if len(frame) < frameHeaderLen {
		return uuid.UUID{}, nil, false, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	copy(id[:], frame[1:frameHeaderLen])
	payload = frame[frameHeaderLen:]
	if frame[0]&flagCompressed != 0 {
		compressed = true
		r := brotli.NewReader(bytes.NewReader(payload))
		payload, err = io.ReadAll(io.LimitReader(r, maxInflateBytes))
		if err != nil {
			return uuid.UUID{}, nil, false, fmt.Errorf("inflating frame: %w", err)
		}
	}
	return id, payload, compressed, nil
}

// wsConn is the dispatch-side handle for one client connection.
type wsConn struct {
	out chan []byte
	log *zap.Logger
}

// send queues a reply frame for the writer goroutine without blocking the
// dispatch goroutine.
func (c *wsConn) send(frame []byte) {
	select {
	case c.out <- frame:
	default:
		c.log.Warn("memstore: reply dropped, connection writer backed up")
	}
}

// wsRPC is one request read off a WebSocket connection.
type wsRPC struct {
	payload    []byte
	reply      bytes.Buffer
	id         uuid.UUID
	compressed bool
	conn       *wsConn
}

func (r *wsRPC) RequestPayload() []byte      { return r.payload }
func (r *wsRPC) ReplyPayload() *bytes.Buffer { return &r.reply }
func (r *wsRPC) EpochSet() bool              { return true }

func (r *wsRPC) SendReply() {
	r.conn.send(encodeFrame(r.id, r.compressed, r.reply.Bytes()))
}

// WSServer accepts WebSocket connections and feeds their requests into a
// Server's dispatch loop. Each binary message is one frame.
type WSServer struct {
	srv     *Server
	log     *zap.Logger
	ln      net.Listener
	httpSrv *http.Server
	conns   sync.WaitGroup
}

// ListenWebSocket starts a WebSocket transport on addr. maxConns > 0 caps
// simultaneous client connections at the listener.
func ListenWebSocket(srv *Server, addr string, maxConns int, log *zap.Logger) (*WSServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &WSServer{srv: srv, log: log, ln: ln}
	s.httpSrv = &http.Server{Handler: s}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("memstore: websocket transport stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr returns the listener's address, useful with ":0".
func (s *WSServer) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting connections and waits for existing ones to end. It
// does not close connections already upgraded to WebSocket; each of those
// ends when its client disconnects.
func (s *WSServer) Close() error {
	err := s.httpSrv.Close()
	s.conns.Wait()
	return err
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("memstore: websocket accept failed", zap.Error(err))
		return
	}
	c.SetReadLimit(maxFrameBytes)

	s.conns.Add(1)
	defer s.conns.Done()
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &wsConn{out: make(chan []byte, wsOutDepth), log: s.log}

	// Writer goroutine: serializes replies so SendReply never touches the
	// socket from the dispatch goroutine.
	go func() {
		for {
			select {
			case frame := <-conn.out:
				writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
				err := c.Write(writeCtx, websocket.MessageBinary, frame)
				cancelWrite()
				if err != nil {
					s.log.Warn("memstore: reply write failed", zap.Error(err))
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		id, payload, compressed, err := decodeFrame(data)
		if err != nil {
			s.log.Warn("memstore: dropping undecodable frame", zap.Error(err))
			continue
		}
		s.srv.Deliver(&wsRPC{
			payload:    payload,
			id:         id,
			compressed: compressed,
			conn:       conn,
		})
	}
}

// WSClient issues RPCs over one WebSocket connection, matching replies to
// requests by frame id.
type WSClient struct {
	c *websocket.Conn

	mu      sync.Mutex
	pending map[uuid.UUID]chan []byte
	readErr error
}

// DialWebSocket connects to a WSServer at url (ws://host:port).
func DialWebSocket(ctx context.Context, url string) (*WSClient, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	c.SetReadLimit(maxFrameBytes)
	cl := &WSClient{c: c, pending: make(map[uuid.UUID]chan []byte)}
	go cl.readLoop()
	return cl, nil
}

func (cl *WSClient) readLoop() {
	for {
		typ, data, err := cl.c.Read(context.Background())
		if err != nil {
			cl.mu.Lock()
			cl.readErr = err
			for id, ch := range cl.pending {
				close(ch)
				delete(cl.pending, id)
			}
			cl.mu.Unlock()
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		id, payload, _, err := decodeFrame(data)
		if err != nil {
			continue
		}
		cl.mu.Lock()
		ch, ok := cl.pending[id]
		if ok {
			delete(cl.pending, id)
		}
		cl.mu.Unlock()
		if ok {
			ch <- payload
		}
	}
}

// Call sends one request and blocks for its reply. compress sends the
// request payload brotli-compressed; the reply comes back the same way.
func (cl *WSClient) Call(ctx context.Context, request []byte, compress bool) ([]byte, error) {
	id := uuid.New()
	ch := make(chan []byte, 1)

	cl.mu.Lock()
	if cl.readErr != nil {
		err := cl.readErr
		cl.mu.Unlock()
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	cl.pending[id] = ch
	cl.mu.Unlock()

	if err := cl.c.Write(ctx, websocket.MessageBinary, encodeFrame(id, compress, request)); err != nil {
		cl.mu.Lock()
		delete(cl.pending, id)
		cl.mu.Unlock()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed awaiting reply")
		}
		return reply, nil
	case <-ctx.Done():
		cl.mu.Lock()
		delete(cl.pending, id)
		cl.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close tears the connection down.
func (cl *WSClient) Close() error {
	return cl.c.Close(websocket.StatusNormalClosure, "")
}
