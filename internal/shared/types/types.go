package types

import "time"

// CommonConf 进程级通用配置
type CommonConf struct {
	MaxConnections int `ini:"maxConnections"`
	BufferSize     int `ini:"bufferSize"`
}

// EdgeConf 隧道入口的配置
type EdgeConf struct {
	Listen string `ini:"listen"`
	Port   int    `ini:"port"`
	UUID   string `ini:"uuid"`
	// SubPath 是订阅路由使用的路径段，为空时使用 UUID
	SubPath  string `ini:"sub_path"`
	NodeName string `ini:"node_name"`
	// PreferredAddrs 逗号分隔的 "addr[:port][#name]" 列表，用于生成订阅链接
	PreferredAddrs string `ini:"preferred_addrs"`

	RelayEndpoint  string `ini:"relay_endpoint"`
	NAT64          bool   `ini:"nat64"`
	NAT64Prefix    string `ini:"nat64_prefix"`
	DNS64Server    string `ini:"dns64_server"`
	SOCKS5Upstream string `ini:"socks5_upstream"`
	DialTimeoutMs  int    `ini:"dial_timeout_ms"`
	SocketBuffer   int    `ini:"socket_buffer"`

	CoalesceWindowMs   int    `ini:"coalesce_window_ms"`
	CoalesceMaxBytes   int    `ini:"coalesce_max_bytes"`
	ResponseHeaderMode string `ini:"response_header_mode"`
	// ResponseHeader 十六进制表示的响应头，为空时使用 [version, 0]
	ResponseHeader string `ini:"response_header"`

	RegistryCap    int `ini:"registry_cap"`
	ArenaSize      int `ini:"arena_size"`
	ArenaHighWater int `ini:"arena_high_water"`
	ArenaSpill     int `ini:"arena_spill"`

	ProxyProtocol bool   `ini:"proxy_protocol"`
	TLSCert       string `ini:"tls_cert"`
	TLSKey        string `ini:"tls_key"`
	ACMEHosts     string `ini:"acme_hosts"`
	ACMECache     string `ini:"acme_cache"`
}

// MetricsConf 管理端口配置，Port 为 0 时不启动管理端口
type MetricsConf struct {
	Port              int `ini:"port"`
	HealthIntervalSec int `ini:"health_interval_sec"`
}

// LogConf 日志配置
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // console | json
	File   string `ini:"file"`
}

// Config 是整个应用程序的统一配置结构体
type Config struct {
	CommonConf  `ini:"common"`
	EdgeConf    `ini:"edge"`
	MetricsConf `ini:"metrics"`
	LogConf     `ini:"log"`
}

type HealthStatus int

const (
	StatusUnknown HealthStatus = iota // Default value
	StatusUp
	StatusDown
)

func (s HealthStatus) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText 让状态在 JSON 中以字符串形式出现
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EndpointHealth 是一次回退端点探测的结果
type EndpointHealth struct {
	Stage     string       `json:"stage"`
	Endpoint  string       `json:"endpoint"`
	Status    HealthStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms"`
	CheckedAt time.Time    `json:"checked_at"`
	Error     string       `json:"error,omitempty"`
}
