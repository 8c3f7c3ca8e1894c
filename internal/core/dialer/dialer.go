package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// Stage 标识一次出站连接尝试所处的回退阶段。
type Stage string

const (
	StageDirect Stage = "direct"
	StageNAT64  Stage = "nat64"
	StageRelay  Stage = "relay"
)

const DefaultDialTimeout = 10 * time.Second

// DefaultNAT64Prefix is the translation prefix used when none is configured.
var DefaultNAT64Prefix = netip.MustParsePrefix("2001:67c:2960:6464::/96")

// Options 控制回退策略。
type Options struct {
	// NAT64 enables the address-family translation stage for IPv4 literals.
	NAT64       bool
	NAT64Prefix netip.Prefix
	// Resolver, when set, lets the NAT64 stage translate domain targets by
	// resolving their A record first.
	Resolver Resolver
	// RelayEndpoint is "host" or "host:port"; empty disables the relay stage.
	RelayEndpoint string
	// DialTimeout bounds every single attempt.
	DialTimeout time.Duration
}

// Resolver looks up one IPv4 address for a domain name.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

// Attempt records one stage that was actually tried.
type Attempt struct {
	Stage   Stage
	Address string
	Err     error
}

// Result is an established outbound connection and where it came from.
type Result struct {
	Conn    net.Conn
	Stage   Stage
	Address string
}

// stage 产生本阶段要尝试的候选地址；ok 为 false 表示本阶段不适用。
type stage interface {
	name() Stage
	candidate(ctx context.Context, host string, port uint16) (h string, p uint16, ok bool, err error)
}

// Establisher opens outbound TCP connections using the ordered fallback
// policy direct -> nat64 -> relay. Each stage is tried at most once and the
// first established connection wins.
type Establisher struct {
	dialer  proxy.ContextDialer
	timeout time.Duration
	stages  []stage

	// OnAttempt, if set, observes every attempt after it completes.
	OnAttempt func(stage Stage, err error)
}

// New validates opts and builds the stage list. d is the outbound transport
// capability; anything implementing DialContext will do.
func New(d proxy.ContextDialer, opts Options) (*Establisher, error) {
	if d == nil {
		return nil, errors.New("dialer: nil outbound dialer")
	}
	e := &Establisher{
		dialer:  d,
		timeout: opts.DialTimeout,
		stages:  []stage{directStage{}},
	}
	if e.timeout <= 0 {
		e.timeout = DefaultDialTimeout
	}

	if opts.NAT64 {
		prefix := opts.NAT64Prefix
		if !prefix.IsValid() {
			prefix = DefaultNAT64Prefix
		}
		if !prefix.Addr().Is6() || prefix.Bits() != 96 {
			return nil, fmt.Errorf("dialer: nat64 prefix %s must be an IPv6 /96", prefix)
		}
		e.stages = append(e.stages, nat64Stage{prefix: prefix.Masked(), resolver: opts.Resolver})
	}

	if ep := strings.TrimSpace(opts.RelayEndpoint); ep != "" {
		host, port, err := SplitEndpoint(ep)
		if err != nil {
			return nil, fmt.Errorf("dialer: relay endpoint: %w", err)
		}
		e.stages = append(e.stages, relayStage{host: host, port: port})
	}
	return e, nil
}

// Stages lists the configured stages in evaluation order.
func (e *Establisher) Stages() []Stage {
	out := make([]Stage, 0, len(e.stages))
	for _, s := range e.stages {
		out = append(out, s.name())
	}
	return out
}

// Establish returns the first connection that opens. When every applicable
// stage fails the error is a *ConnectionError and nothing is left open.
func (e *Establisher) Establish(ctx context.Context, host string, port uint16) (*Result, error) {
	var attempts []Attempt
	for _, st := range e.stages {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Attempt{Stage: st.name(), Err: err})
			break
		}

		h, p, ok, err := st.candidate(ctx, host, port)
		if err != nil {
			attempts = append(attempts, Attempt{Stage: st.name(), Err: err})
			e.observe(st.name(), err)
			continue
		}
		if !ok {
			continue
		}

		addr := net.JoinHostPort(h, strconv.Itoa(int(p)))
		conn, err := e.dial(ctx, addr)
		e.observe(st.name(), err)
		if err == nil {
			return &Result{Conn: conn, Stage: st.name(), Address: addr}, nil
		}
		attempts = append(attempts, Attempt{Stage: st.name(), Address: addr, Err: err})
	}
	return nil, &ConnectionError{Reason: AllAttemptsFailed, Target: net.JoinHostPort(host, strconv.Itoa(int(port))), Attempts: attempts}
}

func (e *Establisher) dial(ctx context.Context, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, err
	}
	return conn, nil
}

func (e *Establisher) observe(s Stage, err error) {
	if e.OnAttempt != nil {
		e.OnAttempt(s, err)
	}
}

type directStage struct{}

func (directStage) name() Stage { return StageDirect }

func (directStage) candidate(_ context.Context, host string, port uint16) (string, uint16, bool, error) {
	return host, port, true, nil
}

type nat64Stage struct {
	prefix   netip.Prefix
	resolver Resolver
}

func (nat64Stage) name() Stage { return StageNAT64 }

func (s nat64Stage) candidate(ctx context.Context, host string, port uint16) (string, uint16, bool, error) {
	if v4, ok := ParseIPv4Literal(host); ok {
		return Translate(s.prefix, v4).String(), port, true, nil
	}
	if s.resolver == nil || isIPLiteral(host) {
		return "", 0, false, nil
	}
	v4, err := s.resolver.LookupIPv4(ctx, host)
	if err != nil {
		return "", 0, false, fmt.Errorf("resolve %s for nat64: %w", host, err)
	}
	return Translate(s.prefix, v4).String(), port, true, nil
}

type relayStage struct {
	host string
	port uint16 // 0 means "same as target"
}

func (relayStage) name() Stage { return StageRelay }

func (s relayStage) candidate(_ context.Context, _ string, port uint16) (string, uint16, bool, error) {
	if s.port != 0 {
		port = s.port
	}
	return s.host, port, true, nil
}

// ParseIPv4Literal reports whether host is a plain dotted-quad IPv4 address.
func ParseIPv4Literal(host string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}

// Translate embeds v4 into the low 32 bits of a /96 prefix.
func Translate(prefix netip.Prefix, v4 netip.Addr) netip.Addr {
	b := prefix.Masked().Addr().As16()
	v := v4.As4()
	copy(b[12:], v[:])
	return netip.AddrFrom16(b)
}

// SplitEndpoint parses "host", "host:port", "[v6]" or "[v6]:port".
// A missing port is returned as 0.
func SplitEndpoint(ep string) (string, uint16, error) {
	if host, portStr, err := net.SplitHostPort(ep); err == nil {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || port == 0 {
			return "", 0, fmt.Errorf("invalid port in %q", ep)
		}
		if host == "" {
			return "", 0, fmt.Errorf("missing host in %q", ep)
		}
		return host, uint16(port), nil
	}

	host := ep
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" || (strings.Contains(host, ":") && !isIPLiteral(host)) {
		return "", 0, fmt.Errorf("invalid endpoint %q", ep)
	}
	return host, 0, nil
}
