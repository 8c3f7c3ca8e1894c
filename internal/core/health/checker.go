package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
)

const DefaultProbeTimeout = 5 * time.Second

// Probe 是一个需要定期探测的回退端点
type Probe struct {
	Stage    string
	Endpoint string // host:port
}

// Checker 负责对回退端点做 TCP 连通性检查。
type Checker struct {
	dialer  proxy.ContextDialer
	timeout time.Duration
}

// New 创建一个新的 Checker 实例。
func New(d proxy.ContextDialer, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Checker{dialer: d, timeout: timeout}
}

// Check 对传入的端点并发做一次探测，结果顺序与 probes 一致。
func (c *Checker) Check(ctx context.Context, probes []Probe) []types.EndpointHealth {
	results := make([]types.EndpointHealth, len(probes))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, p := range probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()

			res := types.EndpointHealth{Stage: p.Stage, Endpoint: p.Endpoint, LatencyMs: -1}
			logFields := logger.Debug().Str("stage", p.Stage).Str("endpoint", p.Endpoint)

			dctx, cancel := context.WithTimeout(ctx, c.timeout)
			start := time.Now()
			conn, err := c.dialer.DialContext(dctx, "tcp", p.Endpoint)
			latency := time.Since(start)
			cancel()

			res.CheckedAt = time.Now()
			if err == nil {
				_ = conn.Close()
				res.Status = types.StatusUp
				res.LatencyMs = latency.Milliseconds()
				logFields.Bool("success", true).Int64("latency_ms", res.LatencyMs).Msg("HealthCheck: Check passed.")
			} else {
				res.Status = types.StatusDown
				res.Error = err.Error()
				logFields.Bool("success", false).Err(err).Msg("HealthCheck: Check failed.")
			}

			mu.Lock()
			results[i] = res
			mu.Unlock()
		}(i, p)
	}

	wg.Wait()
	return results
}

// Monitor 周期性地执行 Check 并缓存最近一次结果。
type Monitor struct {
	checker  *Checker
	probes   []Probe
	interval time.Duration

	// OnResult, if set, observes every probe result.
	OnResult func(types.EndpointHealth)

	mu     sync.RWMutex
	latest []types.EndpointHealth
}

func NewMonitor(c *Checker, probes []Probe, interval time.Duration) *Monitor {
	return &Monitor{checker: c, probes: probes, interval: interval}
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.probes) == 0 || m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) RunOnce(ctx context.Context) {
	results := m.checker.Check(ctx, m.probes)
	if m.OnResult != nil {
		for _, r := range results {
			m.OnResult(r)
		}
	}
	m.mu.Lock()
	m.latest = results
	m.mu.Unlock()
}

// Latest returns the results of the most recent round, nil before the first.
func (m *Monitor) Latest() []types.EndpointHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.EndpointHealth(nil), m.latest...)
}
