package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"liuproxy_edge/internal/core/arena"
	"liuproxy_edge/internal/core/dialer"
	"liuproxy_edge/internal/core/health"
	"liuproxy_edge/internal/core/metrics"
	"liuproxy_edge/internal/core/registry"
	"liuproxy_edge/internal/service/subscription"
	"liuproxy_edge/internal/service/web"
	"liuproxy_edge/internal/shared/config"
	"liuproxy_edge/internal/shared/logger"
	"liuproxy_edge/internal/shared/types"
)

const shutdownTimeout = 10 * time.Second

// AppServer 代表整个边缘服务：隧道监听端口、可选的管理端口以及回退端点探测。
type AppServer struct {
	cfg      *types.Config
	resolved *config.Resolved

	handler *Handler
	metrics *metrics.Metrics
	monitor *health.Monitor

	httpServer  *http.Server
	adminServer *http.Server
	listener    net.Listener
	adminLn     net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	closeOnce sync.Once
	errCh     chan error
}

// New 校验配置并组装所有组件，但不监听任何端口。
func New(cfg *types.Config) (*AppServer, error) {
	resolved, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	outbound, err := dialer.NewOutbound(resolved.Outbound)
	if err != nil {
		return nil, fmt.Errorf("outbound dialer: %w", err)
	}
	establisher, err := dialer.New(outbound, resolved.Dialer)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	establisher.OnAttempt = func(stage dialer.Stage, err error) {
		m.ObserveDial(string(stage), err)
	}

	handler := NewHandler(HandlerOptions{
		ID:             resolved.ID,
		Establisher:    establisher,
		Arena:          arena.New(resolved.ArenaSize, resolved.ArenaHighWater, resolved.ArenaSpill),
		Registry:       registry.New(resolved.RegistryCap),
		Metrics:        m,
		Relay:          resolved.Relay,
		HeaderOverride: resolved.HeaderOverride,
		BufferSize:     cfg.CommonConf.BufferSize,
		Subscription: &subscription.Generator{
			ID:        resolved.ID.String(),
			SubPath:   resolved.SubPath,
			NodeName:  cfg.EdgeConf.NodeName,
			Preferred: resolved.PreferredAddrs,
		},
	})

	monitor := health.NewMonitor(health.New(outbound, resolved.Dialer.DialTimeout), fallbackProbes(resolved), resolved.HealthInterval)
	monitor.OnResult = func(r types.EndpointHealth) {
		up := 0.0
		if r.Status == types.StatusUp {
			up = 1
		}
		m.EndpointUp.WithLabelValues(r.Stage, r.Endpoint).Set(up)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AppServer{
		cfg:      cfg,
		resolved: resolved,
		handler:  handler,
		metrics:  m,
		monitor:  monitor,
		ctx:      ctx,
		cancel:   cancel,
		errCh:    make(chan error, 2),
	}, nil
}

// fallbackProbes 只探测配置了固定地址的回退端点，也就是中继主机。
func fallbackProbes(r *config.Resolved) []health.Probe {
	if r.Dialer.RelayEndpoint == "" {
		return nil
	}
	host, port, err := dialer.SplitEndpoint(r.Dialer.RelayEndpoint)
	if err != nil {
		return nil
	}
	if port == 0 {
		port = 443
	}
	return []health.Probe{{
		Stage:    string(dialer.StageRelay),
		Endpoint: net.JoinHostPort(host, strconv.Itoa(int(port))),
	}}
}

// Start 打开监听端口并在后台开始服务。
func (s *AppServer) Start() error {
	ln, err := s.edgeListener()
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("edge listener: %w", err)
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Strs("stages", s.handler.Stages()).Msg(">>> SUCCESS: Edge tunnel server listening")
	logLocalIPs(ln.Addr())

	if port := s.cfg.MetricsConf.Port; port > 0 {
		if err := s.startAdmin(port); err != nil {
			_ = s.httpServer.Close()
			return err
		}
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.monitor.Run(s.ctx)
	}()
	return nil
}

func (s *AppServer) startAdmin(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.EdgeConf.Listen, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	s.adminLn = ln

	mux := http.NewServeMux()
	web.NewHandler(s).Register(mux, s.metrics.Handler())
	s.adminServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		if err := s.adminServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("admin listener: %w", err)
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Admin endpoints listening (/metrics, /healthz, /api/status)")
	return nil
}

// Run starts the server and blocks until ctx is cancelled or a listener
// fails, then shuts everything down.
func (s *AppServer) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errCh:
		logger.Error().Err(runErr).Msg("Listener failed, shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Stop(sctx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop 关闭所有监听端口和活跃会话，可以重复调用。
func (s *AppServer) Stop(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		logger.Info().Msg("Edge server stopping...")
		s.cancel()

		if s.httpServer != nil {
			// 已升级的连接不受 Shutdown 管理，由 handler 自己关闭
			err = errors.Join(err, s.httpServer.Shutdown(ctx))
		}
		err = errors.Join(err, s.handler.Shutdown(ctx))
		if s.adminServer != nil {
			err = errors.Join(err, s.adminServer.Shutdown(ctx))
		}
		s.waitGroup.Wait()
		logger.Info().Msg("Edge server stopped")
	})
	return err
}

// Addr is the bound tunnel address, nil before Start.
func (s *AppServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr is the bound admin address, nil when disabled.
func (s *AppServer) AdminAddr() net.Addr {
	if s.adminLn == nil {
		return nil
	}
	return s.adminLn.Addr()
}

// web.StatusProvider
func (s *AppServer) Sessions() []registry.Entry        { return s.handler.Sessions() }
func (s *AppServer) ArenaStats() arena.Stats           { return s.handler.ArenaStats() }
func (s *AppServer) Endpoints() []types.EndpointHealth { return s.monitor.Latest() }
func (s *AppServer) Stages() []string                  { return s.handler.Stages() }
func (s *AppServer) Closing() bool                     { return s.handler.Closing() }
