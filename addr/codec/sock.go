package codec

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/na-ofi/naofi-go/fabric"
)

// sockNativeLen is 4 bytes of IPv4 address plus a 2-byte port, matching the
// essential fields of a sockaddr_in (spec §3: "IPv4 socket address").
const sockNativeLen = 6

type sockCodec struct{}

// Sock is the codec for the IPv4 socket address format.
var Sock Codec = sockCodec{}

func (sockCodec) Format() fabric.AddrFormat { return fabric.AddrFormatSock }

func (sockCodec) ParseURI(specific string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(specific)
	if err != nil {
		// spec §6.3: "host[:port]" — bare host defaults to port 0.
		host, portStr = specific, "0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, rerr := net.ResolveIPAddr("ip4", host)
		if rerr != nil {
			return nil, fmt.Errorf("parse sockets address %q: %w", specific, rerr)
		}
		ip = resolved.IP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("parse sockets address %q: not an IPv4 address", specific)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse sockets port %q: %w", portStr, err)
	}
	native := make([]byte, sockNativeLen)
	copy(native[:4], ip4)
	binary.BigEndian.PutUint16(native[4:], uint16(port))
	return native, nil
}

func (sockCodec) FormatURI(native []byte) (string, error) {
	if len(native) < sockNativeLen {
		return "", fmt.Errorf("sockets native address too short: %d bytes", len(native))
	}
	ip := net.IP(native[:4])
	port := binary.BigEndian.Uint16(native[4:6])
	return fmt.Sprintf("%s:%d", ip.String(), port), nil
}

func (sockCodec) Key(native []byte) (uint64, error) {
	if len(native) < sockNativeLen {
		return 0, fmt.Errorf("sockets native address too short: %d bytes", len(native))
	}
	ipv4 := binary.BigEndian.Uint32(native[:4])
	port := binary.BigEndian.Uint16(native[4:6])
	key := (uint64(ipv4) << 32) | uint64(port)
	if key == 0 {
		return 0, fmt.Errorf("sockets address hashes to the reserved zero key")
	}
	return key, nil
}
