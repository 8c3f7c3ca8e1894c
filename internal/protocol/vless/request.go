package vless

import (
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

const Version byte = 0

// Command types
const (
	CommandTCP byte = 1
	CommandUDP byte = 2
	CommandMux byte = 3
)

// AddrType 目标地址类型
type AddrType byte

const (
	AddrIPv4   AddrType = 1
	AddrDomain AddrType = 2
	AddrIPv6   AddrType = 3
)

func (t AddrType) String() string {
	switch t {
	case AddrIPv4:
		return "ipv4"
	case AddrDomain:
		return "domain"
	case AddrIPv6:
		return "ipv6"
	default:
		return "atyp(" + strconv.Itoa(int(t)) + ")"
	}
}

// MinHeaderSize covers version, the 16-byte id and the addon length byte.
const MinHeaderSize = 1 + IDSize + 1

// Request 是解析后的握手请求头。
// Payload 引用原始令牌的尾部字节（已随握手到达的首包数据），不做拷贝，
// 调用方必须在释放令牌缓冲区之前用完它。
type Request struct {
	Version       byte
	ID            ID
	Command       byte
	AddrType      AddrType
	Host          string
	Port          uint16
	PayloadOffset int
	Payload       []byte
}

// Address returns host:port suitable for net.Dial.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Parse decodes a request header from b and authenticates it against id.
//
// Layout: version(1) id(16) addonLen(1) addon(addonLen) command(1) port(2, BE)
// atyp(1) address, followed by any payload already sent by the client.
func Parse(b []byte, id ID) (*Request, error) {
	if len(b) < MinHeaderSize {
		return nil, protoErr(TooShort, "got %d bytes, need at least %d", len(b), MinHeaderSize)
	}
	if b[0] != Version {
		return nil, protoErr(BadVersion, "version %d", b[0])
	}
	for i := 0; i < IDSize; i++ {
		if b[1+i] != id[i] {
			return nil, protoErr(AuthMismatch, "id mismatch")
		}
	}

	req := &Request{Version: b[0]}
	copy(req.ID[:], b[1:1+IDSize])

	// addon 数据目前不解析，直接跳过
	offset := MinHeaderSize + int(b[MinHeaderSize-1])
	if len(b) < offset+4 {
		return nil, protoErr(MalformedAddress, "header truncated before address")
	}

	req.Command = b[offset]
	if req.Command != CommandTCP {
		return nil, protoErr(UnsupportedCommand, "command %d", req.Command)
	}
	req.Port = binary.BigEndian.Uint16(b[offset+1 : offset+3])
	req.AddrType = AddrType(b[offset+3])
	offset += 4

	switch req.AddrType {
	case AddrIPv4:
		if len(b) < offset+4 {
			return nil, protoErr(MalformedAddress, "ipv4 address truncated")
		}
		req.Host = net.IP(b[offset : offset+4]).String()
		offset += 4
	case AddrDomain:
		if len(b) < offset+1 {
			return nil, protoErr(MalformedAddress, "domain length missing")
		}
		n := int(b[offset])
		offset++
		if n == 0 || len(b) < offset+n {
			return nil, protoErr(MalformedAddress, "domain of length %d truncated", n)
		}
		name := b[offset : offset+n]
		if !utf8.Valid(name) {
			return nil, protoErr(MalformedAddress, "domain is not valid utf-8")
		}
		req.Host = string(name)
		offset += n
	case AddrIPv6:
		if len(b) < offset+16 {
			return nil, protoErr(MalformedAddress, "ipv6 address truncated")
		}
		req.Host = formatIPv6(b[offset : offset+16])
		offset += 16
	default:
		return nil, protoErr(MalformedAddress, "unknown address type %d", byte(req.AddrType))
	}

	req.PayloadOffset = offset
	req.Payload = b[offset:]
	return req, nil
}

// formatIPv6 renders 16 bytes as eight colon-joined hex groups without
// zero compression, the form the outbound dialer receives as a host literal.
func formatIPv6(b []byte) string {
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 8; i++ {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[2*i:])), 16))
	}
	return sb.String()
}
