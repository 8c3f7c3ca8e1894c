package shared

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer 在每个升级后的连接上运行 serve，并把收到的令牌发到 tokens。
func startServer(t *testing.T, tls bool, serve func(*WebSocketConnAdapter)) (*httptest.Server, chan string) {
	t.Helper()
	tokens := make(chan string, 4)
	up := NewUpgrader(0)
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.Header.Get(EarlyDataHeader)
		c, err := NewWebSocketConnAdapterServer(up, w, r)
		if err != nil {
			return
		}
		serve(c)
	})
	var srv *httptest.Server
	if tls {
		srv = httptest.NewTLSServer(h)
	} else {
		srv = httptest.NewServer(h)
	}
	t.Cleanup(srv.Close)
	return srv, tokens
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func TestAdapter_StreamRoundTrip(t *testing.T) {
	srv, tokens := startServer(t, false, func(c *WebSocketConnAdapter) {
		defer c.Close()
		_, _ = io.Copy(c, io.LimitReader(c, 10))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := NewWebSocketConnAdapterClient(ctx, wsURL(srv), "tok")
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "tok", <-tokens)

	// 多个帧在读端拼成连续字节流
	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = c.Write([]byte("world"))
	require.NoError(t, err)

	got, err := io.ReadAll(c)
	require.NoError(t, err, "normal close reads as EOF")
	assert.Equal(t, "helloworld", string(got))
}

func TestAdapter_EdgeIPOverride(t *testing.T) {
	srv, tokens := startServer(t, false, func(c *WebSocketConnAdapter) { _ = c.Close() })

	port := srv.URL[strings.LastIndex(srv.URL, ":")+1:]
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := NewWebSocketConnAdapterClientWithEdgeIP(ctx, "ws://edge.invalid:"+port+"/", "", "127.0.0.1")
	require.NoError(t, err)
	defer c.Close()
	assert.Empty(t, <-tokens)
}

func TestAdapter_CloseWithCode(t *testing.T) {
	codes := make(chan int, 1)
	srv, _ := startServer(t, false, func(c *WebSocketConnAdapter) {
		_ = c.CloseWithCode(websocket.CloseGoingAway)
	})
	abrupt, _ := startServer(t, false, func(c *WebSocketConnAdapter) {
		_ = c.CloseWithCode(websocket.CloseAbnormalClosure)
	})

	read := func(url string) {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err = c.ReadMessage()
		var ce *websocket.CloseError
		if assert.ErrorAs(t, err, &ce) {
			codes <- ce.Code
		}
	}

	read(wsURL(srv))
	assert.Equal(t, websocket.CloseGoingAway, <-codes)

	// 1006 不会出现在关闭帧里，客户端只看到连接断开
	read(wsURL(abrupt))
	assert.Equal(t, websocket.CloseAbnormalClosure, <-codes)
}

func TestAdapter_TLSHandshakeVerifiesServer(t *testing.T) {
	srv, _ := startServer(t, true, func(c *WebSocketConnAdapter) { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := NewWebSocketConnAdapterClient(ctx, "wss"+strings.TrimPrefix(srv.URL, "https")+"/", "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls handshake")
}
