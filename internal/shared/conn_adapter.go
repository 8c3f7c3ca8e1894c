package shared

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	utls "github.com/refraction-networking/utls"
)

// EarlyDataHeader carries the handshake token on the upgrade request.
const EarlyDataHeader = "Sec-WebSocket-Protocol"

const closeWriteTimeout = time.Second

// NewUpgrader 返回服务端使用的升级器。
// 令牌放在 Sec-WebSocket-Protocol 里，但服务端不回显任何子协议。
func NewUpgrader(bufferSize int) *websocket.Upgrader {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &websocket.Upgrader{
		ReadBufferSize:  bufferSize,
		WriteBufferSize: bufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// WebSocketConnAdapter 包装 websocket.Conn。
// 服务端作为会话的入站端（消息接口 + CloseWithCode），
// 客户端测试工具则把它当作 net.Conn 使用。
type WebSocketConnAdapter struct {
	*websocket.Conn
	pending []byte
}

// NewWebSocketConnAdapterServer upgrades an HTTP request and wraps the result.
func NewWebSocketConnAdapterServer(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*WebSocketConnAdapter, error) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketConnAdapter{Conn: ws}, nil
}

// NewWebSocketConnAdapterClient dials urlStr, placing token in the
// Sec-WebSocket-Protocol header when it is not empty.
func NewWebSocketConnAdapterClient(ctx context.Context, urlStr, token string) (*WebSocketConnAdapter, error) {
	return NewWebSocketConnAdapterClientWithEdgeIP(ctx, urlStr, token, "")
}

// NewWebSocketConnAdapterClientWithEdgeIP 使用指定的 edgeIP 连接 WebSocket 服务器，
// Host 和 SNI 仍然取自 urlStr。edgeIP 为空时按 URL 正常解析。
func NewWebSocketConnAdapterClientWithEdgeIP(ctx context.Context, urlStr, token, edgeIP string) (*WebSocketConnAdapter, error) {
	dialer := *websocket.DefaultDialer
	netDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if edgeIP != "" {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addr = net.JoinHostPort(edgeIP, port)
		}
		d := &net.Dialer{}
		return d.DialContext(ctx, network, addr)
	}
	dialer.NetDialContext = netDial
	// wss 使用 uTLS 指纹握手，不带 ALPN 以保证落在 HTTP/1.1 上
	dialer.NetDialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		raw, err := netDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		uconn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloRandomizedNoALPN)
		if err := uconn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return uconn, nil
	}

	header := http.Header{}
	if token != "" {
		header.Set(EarlyDataHeader, token)
	}
	ws, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", urlStr, err, resp.StatusCode)
		}
		return nil, err
	}
	return &WebSocketConnAdapter{Conn: ws}, nil
}

// CloseWithCode 以给定关闭码结束连接。
// 1006 只能表示异常断开，不允许出现在关闭帧里，此时直接断开底层连接。
func (wsc *WebSocketConnAdapter) CloseWithCode(code int) error {
	switch code {
	case websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived, websocket.CloseTLSHandshake:
	default:
		msg := websocket.FormatCloseMessage(code, "")
		_ = wsc.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	}
	return wsc.Conn.Close()
}

// Read 方法实现了 io.Reader 接口，文本帧和二进制帧都按字节流处理。
func (wsc *WebSocketConnAdapter) Read(b []byte) (int, error) {
	for len(wsc.pending) == 0 {
		msgType, msg, err := wsc.Conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		wsc.pending = msg
	}
	n := copy(b, wsc.pending)
	wsc.pending = wsc.pending[n:]
	return n, nil
}

// Write 方法实现了 io.Writer 接口，每次调用发送一个二进制帧。
func (wsc *WebSocketConnAdapter) Write(b []byte) (int, error) {
	if err := wsc.Conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close 发送正常关闭帧后断开。
func (wsc *WebSocketConnAdapter) Close() error {
	return wsc.CloseWithCode(websocket.CloseNormalClosure)
}

// SetDeadline 实现了 net.Conn 接口。
func (wsc *WebSocketConnAdapter) SetDeadline(t time.Time) error {
	_ = wsc.Conn.SetReadDeadline(t)
	return wsc.Conn.SetWriteDeadline(t)
}

var _ net.Conn = (*WebSocketConnAdapter)(nil)
