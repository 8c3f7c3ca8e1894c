package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Close codes propagated to the inbound side.
const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure
)

const DefaultBufferSize = 32 * 1024

// State 会话状态机：Open -> Closing -> Closed，只能单向推进。
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Inbound is the upgraded duplex stream to the original caller.
// ReadMessage is only called from one goroutine and so is WriteMessage;
// CloseWithCode may be called concurrently with both.
type Inbound interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	CloseWithCode(code int) error
}

// HeaderMode 决定一次性响应头如何发送给客户端。
type HeaderMode int

const (
	// HeaderPrepend concatenates the header to the first outbound chunk.
	HeaderPrepend HeaderMode = iota
	// HeaderEager sends the header as its own frame when the session starts.
	HeaderEager
	HeaderNone
)

func ParseHeaderMode(s string) (HeaderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prepend":
		return HeaderPrepend, nil
	case "eager":
		return HeaderEager, nil
	case "none":
		return HeaderNone, nil
	default:
		return 0, fmt.Errorf("unknown response header mode %q", s)
	}
}

type Options struct {
	Header     []byte
	HeaderMode HeaderMode

	// CoalesceWindow > 0 enables write coalescing on the inbound->outbound
	// direction. CoalesceLimit caps the bytes held back before a forced flush.
	CoalesceWindow time.Duration
	CoalesceLimit  int

	BufferSize int

	// OnClose runs exactly once, after both ends have been released.
	OnClose func(*Session)
}

// Stats are the byte counters of a session.
type Stats struct {
	BytesUp   int64
	BytesDown int64
	Duration  time.Duration
}

// Session bridges one inbound stream and one outbound TCP connection.
type Session struct {
	ID string

	inbound  Inbound
	outbound net.Conn
	opts     Options

	// outbound writes go through w: either the conn itself or a coalescer
	w         io.Writer
	coalescer *coalescer

	// pendingHeader 只由下行 goroutine 读写
	pendingHeader []byte

	state     atomic.Int32
	closeCode atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	up, down atomic.Int64
	started  time.Time
}

// NewSession wires inbound and outbound together. Nothing is read or written
// until WriteInitial or Run is called.
func NewSession(id string, inbound Inbound, outbound net.Conn, opts Options) *Session {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	s := &Session{
		ID:       id,
		inbound:  inbound,
		outbound: outbound,
		opts:     opts,
		w:        outbound,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if opts.HeaderMode == HeaderPrepend && len(opts.Header) > 0 {
		s.pendingHeader = opts.Header
	}
	if opts.CoalesceWindow > 0 {
		s.coalescer = newCoalescer(outbound, opts.CoalesceWindow, opts.CoalesceLimit, func(error) {
			s.Close(CloseAbnormal)
		})
		s.w = s.coalescer
	}
	return s
}

// WriteInitial forwards payload that arrived with the handshake. It must be
// called before Run so those bytes precede every inbound frame.
func (s *Session) WriteInitial(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if _, err := s.outbound.Write(payload); err != nil {
		return fmt.Errorf("write initial payload: %w", err)
	}
	s.up.Add(int64(len(payload)))
	return nil
}

// Run relays in both directions until the session closes. Cancelling ctx
// closes the session with CloseGoingAway.
func (s *Session) Run(ctx context.Context) {
	l := zerolog.Ctx(ctx)
	stop := context.AfterFunc(ctx, func() { s.Close(CloseGoingAway) })
	defer stop()

	if s.opts.HeaderMode == HeaderEager && len(s.opts.Header) > 0 {
		if err := s.inbound.WriteMessage(websocket.BinaryMessage, s.opts.Header); err != nil {
			l.Debug().Err(err).Str("session_id", s.ID).Msg("Failed to send response header")
			s.Close(CloseAbnormal)
			return
		}
	}

	var g errgroup.Group
	g.Go(s.upstream)
	g.Go(s.downstream)
	err := g.Wait()

	// 两个方向都已结束，确保资源已释放
	s.Close(CloseAbnormal)

	st := s.Stats()
	l.Debug().Err(err).
		Str("session_id", s.ID).
		Int("close_code", s.CloseCode()).
		Int64("bytes_up", st.BytesUp).
		Int64("bytes_down", st.BytesDown).
		Dur("duration", st.Duration).
		Msg("Session finished")
}

// upstream: inbound messages -> outbound socket.
func (s *Session) upstream() error {
	for {
		mt, p, err := s.inbound.ReadMessage()
		if err != nil {
			if s.State() != StateOpen {
				return nil
			}
			if isCleanInboundClose(err) {
				// 客户端正常关闭：先把攒着的数据写出去
				if s.coalescer != nil {
					_ = s.coalescer.Flush()
				}
				s.Close(CloseNormal)
				return nil
			}
			s.Close(CloseAbnormal)
			return fmt.Errorf("inbound read: %w", err)
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		if len(p) == 0 {
			continue
		}
		if _, err := s.w.Write(p); err != nil {
			if s.State() != StateOpen {
				return nil
			}
			s.Close(CloseAbnormal)
			return fmt.Errorf("outbound write: %w", err)
		}
		s.up.Add(int64(len(p)))
	}
}

// downstream: outbound socket -> inbound messages.
func (s *Session) downstream() error {
	bp := getBuffer(s.opts.BufferSize)
	defer putBuffer(bp)
	buf := *bp

	for {
		n, err := s.outbound.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if s.pendingHeader != nil {
				framed := make([]byte, 0, len(s.pendingHeader)+n)
				framed = append(framed, s.pendingHeader...)
				chunk = append(framed, chunk...)
				s.pendingHeader = nil
			}
			if werr := s.inbound.WriteMessage(websocket.BinaryMessage, chunk); werr != nil {
				if s.State() != StateOpen {
					return nil
				}
				s.Close(CloseAbnormal)
				return fmt.Errorf("inbound write: %w", werr)
			}
			s.down.Add(int64(n))
		}
		if err != nil {
			if s.State() != StateOpen {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// 远端只是半关闭，窗口里已接收的上行数据仍要送达
				if s.coalescer != nil {
					if ferr := s.coalescer.Flush(); ferr != nil && s.State() == StateOpen {
						s.Close(CloseAbnormal)
						return fmt.Errorf("outbound flush: %w", ferr)
					}
				}
				s.Close(CloseNormal)
				return nil
			}
			s.Close(CloseAbnormal)
			return fmt.Errorf("outbound read: %w", err)
		}
	}
}

// Close tears the session down with code. Only the first call has any
// effect; later calls return immediately.
func (s *Session) Close(code int) {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	s.closeCode.Store(int32(code))
	s.cancel()

	// 先关连接：阻塞在 outbound.Write 里的 flush 会因此返回并释放 coalescer 的锁
	_ = s.inbound.CloseWithCode(code)
	_ = s.outbound.Close()
	if s.coalescer != nil {
		s.coalescer.Stop()
	}

	s.state.Store(int32(StateClosed))
	if s.opts.OnClose != nil {
		s.opts.OnClose(s)
	}
	close(s.done)
}

func (s *Session) State() State { return State(s.state.Load()) }

// CloseCode is the code the inbound side was closed with, 0 while open.
func (s *Session) CloseCode() int { return int(s.closeCode.Load()) }

// Done is closed once the session has been fully released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) Stats() Stats {
	return Stats{
		BytesUp:   s.up.Load(),
		BytesDown: s.down.Load(),
		Duration:  time.Since(s.started),
	}
}

// isCleanInboundClose reports whether the caller ended the stream with a
// close frame. An abrupt disconnect surfaces as a 1006 CloseError and is not clean.
func isCleanInboundClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code != websocket.CloseAbnormalClosure
	}
	return errors.Is(err, io.EOF)
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, DefaultBufferSize)
		return &b
	},
}

func getBuffer(size int) *[]byte {
	if size == DefaultBufferSize {
		return bufPool.Get().(*[]byte)
	}
	b := make([]byte, size)
	return &b
}

func putBuffer(b *[]byte) {
	if len(*b) == DefaultBufferSize {
		bufPool.Put(b)
	}
}
