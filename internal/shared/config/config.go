package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	ini "gopkg.in/ini.v1"

	"liuproxy_edge/internal/core/arena"
	"liuproxy_edge/internal/core/dialer"
	"liuproxy_edge/internal/core/registry"
	"liuproxy_edge/internal/core/relay"
	"liuproxy_edge/internal/protocol/vless"
	"liuproxy_edge/internal/shared/types"
)

const (
	DefaultPort           = 8443
	DefaultCoalesceWindow = 5 * time.Millisecond
	DefaultHealthInterval = 60
)

// Default 返回带默认值的配置，LoadIni 只覆盖文件中出现的键。
func Default() *types.Config {
	return &types.Config{
		CommonConf: types.CommonConf{
			BufferSize: relay.DefaultBufferSize,
		},
		EdgeConf: types.EdgeConf{
			Port:               DefaultPort,
			NodeName:           "edge",
			NAT64Prefix:        dialer.DefaultNAT64Prefix.String(),
			DialTimeoutMs:      int(dialer.DefaultDialTimeout / time.Millisecond),
			CoalesceWindowMs:   int(DefaultCoalesceWindow / time.Millisecond),
			CoalesceMaxBytes:   relay.DefaultCoalesceLimit,
			ResponseHeaderMode: "prepend",
			RegistryCap:        registry.DefaultCap,
			ArenaSize:          arena.DefaultSize,
			ArenaHighWater:     arena.DefaultHighWater,
			ArenaSpill:         arena.DefaultSpillCap,
		},
		MetricsConf: types.MetricsConf{
			HealthIntervalSec: DefaultHealthInterval,
		},
		LogConf: types.LogConf{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadIni 从指定的 fileName 加载配置到传入的 types.Config 结构体中，
// 随后应用环境变量覆盖。fileName 为空时只应用环境变量。
func LoadIni(cfg *types.Config, fileName string) error {
	if fileName != "" {
		// 只有前面带空格的 # 才算行内注释，订阅地址里的 "addr#name" 得以保留
		iniFile, err := ini.LoadSources(ini.LoadOptions{SpaceBeforeInlineComment: true}, fileName)
		if err != nil {
			return err
		}
		// 使用 MapTo 自动将 .ini 文件的 section 映射到 cfg 结构体的嵌入字段
		if err := iniFile.MapTo(cfg); err != nil {
			return err
		}
	}

	overrideFromEnvString(&cfg.EdgeConf.UUID, "UUID")
	overrideFromEnvString(&cfg.EdgeConf.RelayEndpoint, "PROXYIP")
	overrideFromEnvInt(&cfg.EdgeConf.Port, "PORT")
	overrideFromEnvBool(&cfg.EdgeConf.NAT64, "NAT64")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")
	return nil
}

// Resolved 是校验并解析后的运行参数。
type Resolved struct {
	ID       vless.ID
	SubPath  string
	Addr     string
	Dialer   dialer.Options
	Outbound dialer.OutboundOptions
	Relay    relay.Options

	// HeaderOverride 为空时，响应头使用 [请求版本, 0]
	HeaderOverride []byte

	RegistryCap    int
	ArenaSize      int
	ArenaHighWater int
	ArenaSpill     int
	MaxConnections int
	HealthInterval time.Duration
	PreferredAddrs []string
}

// Resolve validates cfg and converts it into runtime options.
func Resolve(cfg *types.Config) (*Resolved, error) {
	e := cfg.EdgeConf
	if strings.TrimSpace(e.UUID) == "" {
		return nil, fmt.Errorf("config: edge.uuid is required")
	}
	id, err := vless.ParseID(e.UUID)
	if err != nil {
		return nil, fmt.Errorf("config: edge.uuid: %w", err)
	}
	if e.Port < 0 || e.Port > 65535 {
		return nil, fmt.Errorf("config: edge.port %d out of range", e.Port)
	}

	r := &Resolved{
		ID:             id,
		SubPath:        strings.Trim(e.SubPath, "/"),
		Addr:           net.JoinHostPort(e.Listen, strconv.Itoa(e.Port)),
		RegistryCap:    e.RegistryCap,
		ArenaSize:      e.ArenaSize,
		ArenaHighWater: e.ArenaHighWater,
		ArenaSpill:     e.ArenaSpill,
		MaxConnections: cfg.CommonConf.MaxConnections,
		HealthInterval: time.Duration(cfg.MetricsConf.HealthIntervalSec) * time.Second,
		PreferredAddrs: splitList(e.PreferredAddrs),
	}
	if r.SubPath == "" {
		r.SubPath = id.String()
	}

	r.Dialer = dialer.Options{
		NAT64:         e.NAT64,
		RelayEndpoint: strings.TrimSpace(e.RelayEndpoint),
		DialTimeout:   time.Duration(e.DialTimeoutMs) * time.Millisecond,
	}
	if e.NAT64 && e.NAT64Prefix != "" {
		p, err := netip.ParsePrefix(e.NAT64Prefix)
		if err != nil {
			return nil, fmt.Errorf("config: edge.nat64_prefix: %w", err)
		}
		r.Dialer.NAT64Prefix = p
	}
	if e.DNS64Server != "" {
		r.Dialer.Resolver = dialer.NewDNSResolver(e.DNS64Server, r.Dialer.DialTimeout)
	}
	r.Outbound = dialer.OutboundOptions{
		SocketBuffer: e.SocketBuffer,
		SOCKS5:       strings.TrimSpace(e.SOCKS5Upstream),
	}

	mode, err := relay.ParseHeaderMode(e.ResponseHeaderMode)
	if err != nil {
		return nil, fmt.Errorf("config: edge.response_header_mode: %w", err)
	}
	if e.ResponseHeader != "" {
		h, err := hex.DecodeString(strings.TrimPrefix(e.ResponseHeader, "0x"))
		if err != nil {
			return nil, fmt.Errorf("config: edge.response_header: %w", err)
		}
		r.HeaderOverride = h
	}
	if e.CoalesceWindowMs < 0 {
		return nil, fmt.Errorf("config: edge.coalesce_window_ms must not be negative")
	}
	r.Relay = relay.Options{
		HeaderMode:     mode,
		CoalesceWindow: time.Duration(e.CoalesceWindowMs) * time.Millisecond,
		CoalesceLimit:  e.CoalesceMaxBytes,
		BufferSize:     cfg.CommonConf.BufferSize,
	}

	if (e.TLSCert == "") != (e.TLSKey == "") {
		return nil, fmt.Errorf("config: edge.tls_cert and edge.tls_key must be set together")
	}
	if e.TLSCert != "" && e.ACMEHosts != "" {
		return nil, fmt.Errorf("config: edge.tls_cert and edge.acme_hosts are mutually exclusive")
	}
	return r, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// overrideFromEnvInt 是一个私有辅助函数
func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue, ok := os.LookupEnv(envName); ok && envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvBool(target *bool, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if b, err := strconv.ParseBool(envValue); err == nil {
			*target = b
		}
	}
}
