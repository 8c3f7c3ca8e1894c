package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"liuproxy_edge/internal/core/arena"
	"liuproxy_edge/internal/core/dialer"
	"liuproxy_edge/internal/core/metrics"
	"liuproxy_edge/internal/core/registry"
	"liuproxy_edge/internal/core/relay"
	"liuproxy_edge/internal/protocol/vless"
	"liuproxy_edge/internal/service/subscription"
	"liuproxy_edge/internal/shared"
)

const greeting = "Hello Edge!"

// HandlerOptions 是构造 Handler 所需的全部依赖
type HandlerOptions struct {
	ID          vless.ID
	Establisher *dialer.Establisher
	Arena       *arena.Arena
	Registry    *registry.Registry
	Metrics     *metrics.Metrics
	Relay       relay.Options
	// HeaderOverride 为空时，响应头为 [请求版本, 0]
	HeaderOverride []byte
	BufferSize     int
	// Subscription 为 nil 时不提供订阅路由
	Subscription *subscription.Generator
}

// Handler 处理隧道升级请求以及少量非隧道路由。
// 每个会话在其 HTTP 处理 goroutine 上运行直到结束。
type Handler struct {
	id          vless.ID
	establisher *dialer.Establisher
	arena       *arena.Arena
	registry    *registry.Registry
	metrics     *metrics.Metrics
	relayOpts   relay.Options
	header      []byte
	upgrader    *websocket.Upgrader
	sub         *subscription.Generator

	ctx         context.Context
	cancel      context.CancelFunc
	closeMu     sync.Mutex // 串行化 closing 检查与 waitGroup.Add
	closing     atomic.Bool
	waitGroup   sync.WaitGroup
	activeConns sync.Map // session id -> *relay.Session
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		id:          opts.ID,
		establisher: opts.Establisher,
		arena:       opts.Arena,
		registry:    opts.Registry,
		metrics:     opts.Metrics,
		relayOpts:   opts.Relay,
		header:      opts.HeaderOverride,
		upgrader:    shared.NewUpgrader(opts.BufferSize),
		sub:         opts.Subscription,
	}
	if h.arena == nil {
		h.arena = arena.New(arena.DefaultSize, arena.DefaultHighWater, arena.DefaultSpillCap)
	}
	if h.registry == nil {
		h.registry = registry.New(registry.DefaultCap)
	}
	if h.metrics == nil {
		h.metrics = metrics.New()
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

// ServeHTTP 路由：升级请求一律进入隧道；普通请求提供问候页和订阅信息。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.ServeTunnel(w, r)
		return
	}

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case path == "":
		writeText(w, greeting)
	case h.sub != nil && path == h.sub.SubPath:
		writeText(w, h.sub.Hint(r.Host))
	case h.sub != nil && path == h.sub.SubPath+"/vless":
		links, err := h.sub.Links(r.Host)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeText(w, links)
	default:
		h.ServeTunnel(w, r)
	}
}

// ServeTunnel handles one upgrade request. Handshake problems answer 400,
// an unreachable destination answers 502, and on success the connection is
// upgraded and relayed until either side ends it.
func (h *Handler) ServeTunnel(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer h.waitGroup.Done()

	sessionID := uuid.NewString()
	l := log.With().Str("session_id", sessionID).Str("client", r.RemoteAddr).Logger()

	if !websocket.IsWebSocketUpgrade(r) {
		h.reject(w, &l, http.StatusBadRequest, "missing_upgrade", nil)
		return
	}
	token := r.Header.Get(shared.EarlyDataHeader)
	if strings.TrimSpace(token) == "" {
		h.reject(w, &l, http.StatusBadRequest, "missing_token", nil)
		return
	}

	lease, raw, err := vless.DecodeEarlyData(token, h.arena)
	if err != nil {
		h.reject(w, &l, http.StatusBadRequest, vless.ReasonOf(err).String(), err)
		return
	}
	defer lease.Release()

	req, err := vless.Parse(raw, h.id)
	if err != nil {
		h.reject(w, &l, http.StatusBadRequest, vless.ReasonOf(err).String(), err)
		return
	}
	target := req.Address()
	l = l.With().Str("target", target).Logger()

	res, err := h.establisher.Establish(r.Context(), req.Host, req.Port)
	if err != nil {
		reason := "dial_failed"
		if errors.Is(err, dialer.ErrAllAttemptsFailed) {
			reason = "all_attempts_failed"
		}
		h.reject(w, &l, http.StatusBadGateway, reason, err)
		return
	}
	l = l.With().Str("stage", string(res.Stage)).Str("outbound", res.Address).Logger()

	inbound, err := shared.NewWebSocketConnAdapterServer(h.upgrader, w, r)
	if err != nil {
		// 升级器已经写好了错误响应
		_ = res.Conn.Close()
		h.metrics.HandshakeFailures.WithLabelValues("upgrade_failed").Inc()
		l.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	opts := h.relayOpts
	opts.Header = h.responseHeader(req.Version)
	opts.OnClose = h.onSessionClosed
	session := relay.NewSession(sessionID, inbound, res.Conn, opts)

	h.track(session, registry.Entry{
		ID:        sessionID,
		Target:    target,
		Stage:     string(res.Stage),
		Client:    r.RemoteAddr,
		StartedAt: time.Now(),
	})

	// 首包数据引用着令牌缓冲区，必须先写出去再释放租约
	if err := session.WriteInitial(req.Payload); err != nil {
		l.Debug().Err(err).Msg("Failed to forward initial payload")
		lease.Release()
		session.Close(relay.CloseAbnormal)
		return
	}
	lease.Release()

	l.Info().Msg("Session established")
	session.Run(l.WithContext(h.ctx))
}

func (h *Handler) responseHeader(version byte) []byte {
	if h.header != nil {
		return h.header
	}
	return []byte{version, 0}
}

func (h *Handler) track(s *relay.Session, e registry.Entry) {
	h.activeConns.Store(s.ID, s)
	if n := h.registry.Add(e); n > 0 {
		h.metrics.RegistryEvictions.Add(float64(n))
	}
	h.metrics.SessionsActive.Inc()
	h.metrics.SessionsTotal.Inc()
}

func (h *Handler) onSessionClosed(s *relay.Session) {
	h.activeConns.Delete(s.ID)
	h.registry.Remove(s.ID)

	st := s.Stats()
	h.metrics.SessionsActive.Dec()
	h.metrics.Bytes.WithLabelValues("up").Add(float64(st.BytesUp))
	h.metrics.Bytes.WithLabelValues("down").Add(float64(st.BytesDown))
	h.metrics.CloseCodes.WithLabelValues(strconv.Itoa(s.CloseCode())).Inc()
	h.metrics.SessionDuration.Observe(st.Duration.Seconds())
}

// enter registers a request with the shutdown wait group unless Shutdown
// has already started.
func (h *Handler) enter() bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closing.Load() {
		return false
	}
	h.waitGroup.Add(1)
	return true
}

func (h *Handler) reject(w http.ResponseWriter, l *zerolog.Logger, status int, reason string, err error) {
	h.metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	l.Debug().Err(err).Str("reason", reason).Int("status", status).Msg("Upgrade request rejected")
	w.WriteHeader(status)
}

// Shutdown stops accepting tunnels, closes every live session with
// CloseGoingAway and waits for their handlers to return or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.closeMu.Lock()
	h.closing.Store(true)
	h.closeMu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// 兜底：强制关闭仍未退出的会话
		h.activeConns.Range(func(_, v any) bool {
			v.(*relay.Session).Close(relay.CloseAbnormal)
			return true
		})
		return ctx.Err()
	}
}

func (h *Handler) Sessions() []registry.Entry { return h.registry.Snapshot() }
func (h *Handler) ArenaStats() arena.Stats    { return h.arena.Stats() }
func (h *Handler) Closing() bool              { return h.closing.Load() }

func (h *Handler) Stages() []string {
	stages := h.establisher.Stages()
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
