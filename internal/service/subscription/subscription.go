package subscription

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"liuproxy_edge/internal/core/dialer"
)

const (
	defaultPort = 443
	// DefaultPath 告诉客户端把不超过 2560 字节的首包放进握手头
	DefaultPath = "/?ed=2560"
)

// Generator 生成 vless:// 分享链接
type Generator struct {
	ID       string
	SubPath  string
	NodeName string
	// Preferred 是 "addr[:port][#name]" 形式的优选入口地址
	Preferred []string
	Path      string
}

// Hint is the body of the /{sub_path} route.
func (g *Generator) Hint(host string) string {
	return fmt.Sprintf("subscription: https://%s/%s/vless", host, g.SubPath)
}

// Links renders one share link per preferred address followed by one for
// host itself on port 443, newline separated.
func (g *Generator) Links(host string) (string, error) {
	sni := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		sni = h
	}
	if sni == "" {
		return "", fmt.Errorf("subscription: empty host")
	}

	entries := append(append([]string(nil), g.Preferred...), net.JoinHostPort(sni, strconv.Itoa(defaultPort)))
	links := make([]string, 0, len(entries))
	for _, entry := range entries {
		link, err := g.link(entry, sni)
		if err != nil {
			return "", err
		}
		links = append(links, link)
	}
	return strings.Join(links, "\n"), nil
}

func (g *Generator) link(entry, sni string) (string, error) {
	raw, name, _ := strings.Cut(entry, "#")
	if name == "" {
		name = g.NodeName
	}
	addr, port, err := dialer.SplitEndpoint(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("subscription: entry %q: %w", entry, err)
	}
	if port == 0 {
		port = defaultPort
	}

	path := g.Path
	if path == "" {
		path = DefaultPath
	}
	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("security", "tls")
	q.Set("type", "ws")
	q.Set("host", sni)
	q.Set("sni", sni)
	q.Set("path", path)

	u := url.URL{
		Scheme:   "vless",
		User:     url.User(g.ID),
		Host:     net.JoinHostPort(addr, strconv.Itoa(int(port))),
		RawQuery: q.Encode(),
		Fragment: name,
	}
	return u.String(), nil
}
