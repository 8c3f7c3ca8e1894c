package vless

import (
	"encoding/base64"
	"strings"

	"liuproxy_edge/internal/core/arena"
)

var urlSafeToStd = strings.NewReplacer("-", "+", "_", "/")

// DecodeEarlyData decodes the handshake token carried in Sec-WebSocket-Protocol
// into memory leased from a. URL-safe and standard alphabets are both accepted,
// padding is optional. On success the caller owns the lease and must release it
// after it is done with the returned bytes (and any slice of them).
func DecodeEarlyData(token string, a *arena.Arena) (*arena.Lease, []byte, error) {
	s := strings.TrimRight(urlSafeToStd.Replace(strings.TrimSpace(token)), "=")
	if s == "" {
		return nil, nil, protoErr(BadEncoding, "empty token")
	}

	lease := a.Acquire(base64.RawStdEncoding.DecodedLen(len(s)))
	n, err := base64.RawStdEncoding.Decode(lease.Bytes(), []byte(s))
	if err != nil {
		lease.Release()
		return nil, nil, protoErr(BadEncoding, "%v", err)
	}
	return lease, lease.Bytes()[:n], nil
}
