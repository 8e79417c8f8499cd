// Package proxyproto parses HAProxy PROXY Protocol v2 headers, including
// chains of nested headers, recovering the outermost client tuple.
package proxyproto

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Signature is the 12-byte magic prefixing every PROXY protocol v2 header.
var Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	headerPrefixLen = 16 // 12-byte signature + ver_cmd + fam_proto + 16-bit length
	famProtoInet    = 0x12
	ipv4AddrLen     = 12 // 4+4 bytes addresses + 2+2 bytes ports
)

// Result is the outcome of parsing a (possibly nested) PROXY-v2 chain.
type Result struct {
	// OriginalIP and OriginalPort are the outermost (authoritative) client
	// tuple, or the zero value if the payload carried no parseable header.
	OriginalIP   net.IP
	OriginalPort uint16
	// HasHeader reports whether at least one header was parsed.
	HasHeader bool
	// Payload is the remaining bytes after every header layer is peeled.
	Payload []byte
}

// HasSignature reports whether b begins with the PROXY-v2 magic.
func HasSignature(b []byte) bool {
	if len(b) < len(Signature) {
		return false
	}
	for i, s := range Signature {
		if b[i] != s {
			return false
		}
	}
	return true
}

// ParseChain iteratively peels PROXY-v2 headers from b. The first
// successfully parsed header provides the authoritative original client
// tuple; any further nested headers are parsed only to reach the inner
// payload and are otherwise discarded, per the outermost-is-authoritative
// rule used for deployments that stack multiple proxy hops.
func ParseChain(b []byte) (Result, error) {
	res := Result{Payload: b}

	for HasSignature(res.Payload) {
		ip, port, rest, err := parseOne(res.Payload)
		if err != nil {
			return Result{}, err
		}
		if !res.HasHeader {
			res.OriginalIP = ip
			res.OriginalPort = port
			res.HasHeader = true
		}
		res.Payload = rest
	}

	return res, nil
}

// parseOne parses a single PROXY-v2 header from the front of b and returns
// the source tuple plus the remaining bytes.
func parseOne(b []byte) (net.IP, uint16, []byte, error) {
	if len(b) < headerPrefixLen {
		return nil, 0, nil, fmt.Errorf("proxyproto: header too short: %d bytes", len(b))
	}

	verCmd := b[12]
	famProto := b[13]
	length := binary.BigEndian.Uint16(b[14:16])

	if verCmd&0xF0 != 0x20 {
		return nil, 0, nil, fmt.Errorf("proxyproto: unsupported version/command byte 0x%02x", verCmd)
	}

	if len(b) < headerPrefixLen+int(length) {
		return nil, 0, nil, fmt.Errorf("proxyproto: truncated header, want %d address bytes, have %d", length, len(b)-headerPrefixLen)
	}

	addrBlock := b[headerPrefixLen : headerPrefixLen+int(length)]
	rest := b[headerPrefixLen+int(length):]

	if famProto != famProtoInet {
		// Not an IPv4/DGRAM header we know how to decode; skip its
		// address block and surface no tuple from this layer.
		return nil, 0, rest, nil
	}

	if len(addrBlock) < ipv4AddrLen {
		return nil, 0, nil, fmt.Errorf("proxyproto: address block too short for AF_INET/DGRAM: %d bytes", len(addrBlock))
	}

	srcIP := net.IPv4(addrBlock[0], addrBlock[1], addrBlock[2], addrBlock[3])
	srcPort := binary.BigEndian.Uint16(addrBlock[8:10])

	return srcIP, srcPort, rest, nil
}

// BuildIPv4UDPHeader constructs a single PROXY-v2 IPv4/DGRAM header for the
// given source and destination tuples, useful for tests and for services
// that originate a proxy chain themselves.
func BuildIPv4UDPHeader(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) []byte {
	buf := make([]byte, headerPrefixLen+ipv4AddrLen)
	copy(buf[0:12], Signature[:])
	buf[12] = 0x21 // version 2, command PROXY
	buf[13] = famProtoInet
	binary.BigEndian.PutUint16(buf[14:16], uint16(ipv4AddrLen))

	src4 := srcIP.To4()
	dst4 := dstIP.To4()
	copy(buf[16:20], src4)
	copy(buf[20:24], dst4)
	binary.BigEndian.PutUint16(buf[24:26], srcPort)
	binary.BigEndian.PutUint16(buf[26:28], dstPort)

	return buf
}
