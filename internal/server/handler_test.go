package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liuproxy_edge/internal/core/arena"
	"liuproxy_edge/internal/core/dialer"
	"liuproxy_edge/internal/core/relay"
	"liuproxy_edge/internal/protocol/vless"
	"liuproxy_edge/internal/service/subscription"
	"liuproxy_edge/internal/shared"
)

const testUUID = "26687cd8-fcb8-4189-974c-7513f08fe875"

type testEdge struct {
	h     *Handler
	srv   *httptest.Server
	wsURL string
	id    vless.ID
}

func newTestEdge(t *testing.T, mutate func(*HandlerOptions)) *testEdge {
	t.Helper()
	id, err := vless.ParseID(testUUID)
	require.NoError(t, err)

	out, err := dialer.NewOutbound(dialer.OutboundOptions{})
	require.NoError(t, err)
	est, err := dialer.New(out, dialer.Options{DialTimeout: 2 * time.Second})
	require.NoError(t, err)

	opts := HandlerOptions{
		ID:          id,
		Establisher: est,
		Arena:       arena.New(arena.DefaultSize, arena.DefaultHighWater, arena.DefaultSpillCap),
		Relay:       relay.Options{CoalesceWindow: 5 * time.Millisecond},
		Subscription: &subscription.Generator{
			ID: testUUID, SubPath: testUUID, NodeName: "edge",
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHandler(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})
	return &testEdge{h: h, srv: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/", id: id}
}

func (e *testEdge) token(t *testing.T, addr net.Addr, payload []byte) string {
	t.Helper()
	tcp := addr.(*net.TCPAddr)
	raw, err := vless.EncodeRequest(e.id, tcp.IP.String(), uint16(tcp.Port), payload)
	require.NoError(t, err)
	return vless.EncodeEarlyData(raw)
}

func dialTunnel(url, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set(shared.EarlyDataHeader, token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

// startTarget 启动一个本地 TCP 目标，每个连接交给 serve 处理。
func startTarget(t *testing.T, serve func(net.Conn)) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	return ln.Addr()
}

func echo(c net.Conn) { _, _ = io.Copy(c, c) }

func closedAddr(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr()
	require.NoError(t, ln.Close())
	return addr
}

// readAtLeast 读取消息直到累计 n 字节
func readAtLeast(t *testing.T, c *websocket.Conn, n int) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got []byte
	for len(got) < n {
		mt, p, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, p...)
	}
	return got
}

func TestServeTunnel_EchoWithOneTimeHeader(t *testing.T) {
	e := newTestEdge(t, nil)
	target := startTarget(t, echo)

	c, resp, err := dialTunnel(e.wsURL, e.token(t, target, []byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer c.Close()

	assert.Equal(t, []byte{0, 0, 'p', 'i', 'n', 'g'}, readAtLeast(t, c, 6))

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte("more")))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("text")))
	assert.Equal(t, []byte("moretext"), readAtLeast(t, c, 8))

	assert.Equal(t, 1, e.h.registry.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.h.metrics.SessionsActive))
	assert.Equal(t, 0, e.h.arena.Stats().LiveLeases, "token lease must be released once the session runs")

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return e.h.registry.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.h.metrics.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.h.metrics.CloseCodes.WithLabelValues("1000")))
}

func TestServeTunnel_RemoteEOFClosesNormally(t *testing.T) {
	e := newTestEdge(t, nil)
	target := startTarget(t, func(c net.Conn) { _, _ = c.Write([]byte("bye")) })

	c, _, err := dialTunnel(e.wsURL, e.token(t, target, nil))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []byte{0, 0, 'b', 'y', 'e'}, readAtLeast(t, c, 5))
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestServeTunnel_EagerHeader(t *testing.T) {
	e := newTestEdge(t, func(o *HandlerOptions) { o.Relay.HeaderMode = relay.HeaderEager })
	target := startTarget(t, echo)

	c, _, err := dialTunnel(e.wsURL, e.token(t, target, nil))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, first, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, first)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte("x")))
	assert.Equal(t, []byte("x"), readAtLeast(t, c, 1))
}

func TestServeTunnel_HeaderOverride(t *testing.T) {
	e := newTestEdge(t, func(o *HandlerOptions) { o.HeaderOverride = []byte{0xAB} })
	target := startTarget(t, echo)

	c, _, err := dialTunnel(e.wsURL, e.token(t, target, []byte("z")))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, []byte{0xAB, 'z'}, readAtLeast(t, c, 2))
}

func TestServeTunnel_Rejections(t *testing.T) {
	e := newTestEdge(t, nil)
	target := startTarget(t, echo)

	other, err := vless.ParseID("8d4e3c31-5a1c-4c55-a2a3-9f0a9f3cb1e2")
	require.NoError(t, err)
	tcp := target.(*net.TCPAddr)
	wrongID, err := vless.EncodeRequest(other, tcp.IP.String(), uint16(tcp.Port), nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		status int
		reason string
	}{
		{"missing token", "", http.StatusBadRequest, "missing_token"},
		{"not base64", "***", http.StatusBadRequest, "bad_encoding"},
		{"too short", vless.EncodeEarlyData([]byte{0, 1, 2}), http.StatusBadRequest, "too_short"},
		{"wrong id", vless.EncodeEarlyData(wrongID), http.StatusBadRequest, "auth_mismatch"},
		{"unreachable", e.token(t, closedAddr(t), nil), http.StatusBadGateway, "all_attempts_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, resp, err := dialTunnel(e.wsURL, tc.token)
			if c != nil {
				c.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, 1.0, testutil.ToFloat64(e.h.metrics.HandshakeFailures.WithLabelValues(tc.reason)))
		})
	}

	assert.Zero(t, e.h.registry.Len())
	assert.Zero(t, e.h.arena.Stats().LiveLeases)
	assert.Zero(t, e.h.arena.Stats().Offset)
}

func TestServeHTTP_Routes(t *testing.T) {
	e := newTestEdge(t, nil)

	get := func(path string) (int, string) {
		resp, err := http.Get(e.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, greeting, body)

	code, body = get("/" + testUUID)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "/"+testUUID+"/vless")

	code, body = get("/" + testUUID + "/vless")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(body, "vless://"+testUUID+"@"), body)

	// 其它路径上的非升级请求按隧道请求处理
	code, _ = get("/anything")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.h.metrics.HandshakeFailures.WithLabelValues("missing_upgrade")))
}

func TestHandler_ShutdownClosesSessions(t *testing.T) {
	e := newTestEdge(t, nil)
	target := startTarget(t, echo)

	c, _, err := dialTunnel(e.wsURL, e.token(t, target, []byte("a")))
	require.NoError(t, err)
	defer c.Close()
	readAtLeast(t, c, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.h.Shutdown(ctx))

	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, e.h.registry.Len())

	_, resp, err := dialTunnel(e.wsURL, e.token(t, target, nil))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandler_ShutdownConcurrentWithRequests(t *testing.T) {
	e := newTestEdge(t, nil)

	var wg sync.WaitGroup
	codes := make(chan int, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			e.h.ServeTunnel(rec, httptest.NewRequest(http.MethodGet, "/tunnel", nil))
			codes <- rec.Code
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.h.Shutdown(ctx))
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Contains(t, []int{http.StatusBadRequest, http.StatusServiceUnavailable}, code)
	}
	rec := httptest.NewRecorder()
	e.h.ServeTunnel(rec, httptest.NewRequest(http.MethodGet, "/tunnel", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Stages(t *testing.T) {
	id, err := vless.ParseID(testUUID)
	require.NoError(t, err)
	est, err := dialer.New(&net.Dialer{}, dialer.Options{NAT64: true, RelayEndpoint: "relay.example.net:" + strconv.Itoa(443)})
	require.NoError(t, err)

	h := NewHandler(HandlerOptions{ID: id, Establisher: est})
	assert.Equal(t, []string{"direct", "nat64", "relay"}, h.Stages())
	assert.False(t, h.Closing())
}
