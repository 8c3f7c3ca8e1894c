package vless

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// EncodeRequest builds a TCP request header for host:port followed by payload.
// It is the client half of Parse and is used by the tester and in tests.
func EncodeRequest(id ID, host string, port uint16, payload []byte) ([]byte, error) {
	buf := make([]byte, 0, MinHeaderSize+4+1+len(host)+len(payload))
	buf = append(buf, Version)
	buf = append(buf, id[:]...)
	buf = append(buf, 0) // addon data length. 0 means no addon data
	buf = append(buf, CommandTCP)
	buf = binary.BigEndian.AppendUint16(buf, port)

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.Is4() {
			buf = append(buf, byte(AddrIPv4))
		} else {
			buf = append(buf, byte(AddrIPv6))
		}
		buf = append(buf, addr.AsSlice()...)
	} else {
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("vless: domain length %d out of range", len(host))
		}
		buf = append(buf, byte(AddrDomain), byte(len(host)))
		buf = append(buf, host...)
	}

	return append(buf, payload...), nil
}

// EncodeEarlyData renders a request header the way clients place it in
// Sec-WebSocket-Protocol: URL-safe base64 without padding.
func EncodeEarlyData(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// ReadResponseHeader consumes the response header a server sends ahead of
// the first relayed bytes: version, addon length and the addon itself.
func ReadResponseHeader(r io.Reader) error {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("vless: read response header: %w", err)
	}
	if hdr[0] != Version {
		return protoErr(BadVersion, "response version %d", hdr[0])
	}
	if n := int64(hdr[1]); n > 0 {
		if _, err := io.CopyN(io.Discard, r, n); err != nil {
			return fmt.Errorf("vless: read response addon: %w", err)
		}
	}
	return nil
}
