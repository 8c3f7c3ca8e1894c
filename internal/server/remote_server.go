package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/netutil"

	"liuproxy_edge/internal/shared/logger"
)

const proxyHeaderTimeout = 5 * time.Second

// edgeListener 按顺序叠加：TCP 监听 -> PROXY 协议 -> 连接数上限 -> TLS。
func (s *AppServer) edgeListener() (net.Listener, error) {
	e := s.cfg.EdgeConf
	addr := s.resolved.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if e.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: proxyHeaderTimeout}
		logger.Info().Msg("PROXY protocol enabled on edge listener")
	}
	if n := s.resolved.MaxConnections; n > 0 {
		ln = netutil.LimitListener(ln, n)
	}

	tlsConf, err := s.tlsConfig()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	return ln, nil
}

// tlsConfig 返回 nil 表示明文监听（通常由前置 CDN 或反代终止 TLS）。
func (s *AppServer) tlsConfig() (*tls.Config, error) {
	e := s.cfg.EdgeConf
	switch {
	case e.TLSCert != "":
		cert, err := tls.LoadX509KeyPair(e.TLSCert, e.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil

	case e.ACMEHosts != "":
		hosts := strings.Split(e.ACMEHosts, ",")
		for i := range hosts {
			hosts[i] = strings.TrimSpace(hosts[i])
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hosts...),
		}
		if e.ACMECache != "" {
			if err := os.MkdirAll(e.ACMECache, 0o750); err != nil {
				return nil, fmt.Errorf("create acme cache: %w", err)
			}
			m.Cache = autocert.DirCache(e.ACMECache)
		}
		logger.Info().Strs("hosts", hosts).Msg("ACME certificates enabled (tls-alpn-01)")
		return m.TLSConfig(), nil
	}
	return nil, nil
}

// logLocalIPs finds and prints available non-loopback IPv4 addresses when
// listening on the wildcard address.
func logLocalIPs(bound net.Addr) {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok || !tcpAddr.IP.IsUnspecified() {
		return
	}
	interfaces, err := net.Interfaces()
	if err != nil {
		logger.Warn().Err(err).Msg("Could not get network interfaces")
		return
	}

	for _, i := range interfaces {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip = ip.To4(); ip != nil {
				logger.Debug().Str("iface", i.Name).Str("addr", net.JoinHostPort(ip.String(), strconv.Itoa(tcpAddr.Port))).Msg("Edge reachable at")
			}
		}
	}
}
