package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"liuproxy_edge/internal/protocol/vless"
	"liuproxy_edge/internal/shared"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
)

const dialTimeout = 10 * time.Second

// tester 在本地监听 TCP，把每个连接经 edge 隧道转发到固定目标。
type tester struct {
	url    string
	edgeIP string
	id     vless.ID
	host   string
	port   uint16

	readHeader func(io.Reader) error
}

func main() {
	fmt.Println("--- Edge VLESS Tunnel Tester ---")
	urlStr := flag.String("url", "ws://127.0.0.1:8443/", "Edge WebSocket URL")
	uuidStr := flag.String("uuid", "", "User id configured on the edge")
	target := flag.String("target", "example.com:80", "Destination host:port reached through the tunnel")
	edgeIP := flag.String("edge-ip", "", "Connect to this IP instead of resolving the URL host")
	listen := flag.String("listen", "127.0.0.1:10808", "Local TCP address to accept connections on")
	header := flag.String("response-header", "vless", `Response header the edge sends: "vless" ([version, addon len, addon]), "none", or the hex bytes of edge.response_header`)
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := logger.Init(types.LogConf{Level: *level}); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}

	id, err := vless.ParseID(*uuidStr)
	if err != nil {
		log.Fatalf("Invalid -uuid: %v", err)
	}
	host, portStr, err := net.SplitHostPort(*target)
	if err != nil {
		log.Fatalf("Invalid -target: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		log.Fatalf("Invalid -target port: %v", err)
	}

	readHeader, err := headerReader(*header)
	if err != nil {
		log.Fatalf("Invalid -response-header: %v", err)
	}

	t := &tester{url: *urlStr, edgeIP: *edgeIP, id: id, host: host, port: uint16(port), readHeader: readHeader}
	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *listen, err)
	}
	logger.Info().Str("listen", ln.Addr().String()).Str("target", *target).Str("edge", *urlStr).Msg("Forwarder ready")

	go t.acceptLoop(ln)
	waitForSignal()
	_ = ln.Close()
	log.Println("--- Edge VLESS Tunnel Tester shutdown complete. ---")
}

func (t *tester) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error().Err(err).Msg("Accept failed")
			}
			return
		}
		go func() {
			if err := t.forward(c); err != nil {
				logger.Warn().Err(err).Str("client", c.RemoteAddr().String()).Msg("Forward ended with error")
			}
		}()
	}
}

// forward 请求头随升级请求一起发出，首个负载为空。
// 响应头要等到目标有数据返回时才出现，所以先启动上行复制再读取它。
func (t *tester) forward(client net.Conn) error {
	defer client.Close()

	raw, err := vless.EncodeRequest(t.id, t.host, t.port, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	ws, err := shared.NewWebSocketConnAdapterClientWithEdgeIP(ctx, t.url, vless.EncodeEarlyData(raw), t.edgeIP)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close()
	logger.Debug().Str("client", client.RemoteAddr().String()).Msg("Tunnel established")

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(ws, client)
		_ = ws.Close()
		return err
	})
	g.Go(func() error {
		defer client.Close()
		if err := t.readHeader(ws); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		_, err := io.Copy(client, ws)
		return err
	})
	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// headerReader 返回与 edge 的 response_header_mode / response_header 配置相对应的读取函数。
// eager 模式的响应头也是 vless 格式，只是单独成帧，字节流上没有区别。
func headerReader(mode string) (func(io.Reader) error, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "vless":
		return vless.ReadResponseHeader, nil
	case "none":
		return func(io.Reader) error { return nil }, nil
	}
	want, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(mode), "0x"))
	if err != nil {
		return nil, err
	}
	return func(r io.Reader) error {
		got := make([]byte, len(want))
		if _, err := io.ReadFull(r, got); err != nil {
			return err
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("unexpected response header %x, want %x", got, want)
		}
		return nil
	}, nil
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	done := make(chan bool, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println()
		log.Println("Signal received, shutting down...")
		done <- true
	}()
	log.Println("Forwarder is running. Press Ctrl+C to exit.")
	<-done
}
