package codec

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/na-ofi/naofi-go/fabric"
)

// GNI's native address is the seven hex fields of spec §6.3
// ("version:device_addr:cdm_id:name_type:cm_nic_cdm_id:cookie:rx_ctx_cnt"),
// each stored as a big-endian uint32 in field order.
type gniCodec struct{}

// GNI is the codec for the Cray GNI address format.
var GNI Codec = gniCodec{}

const (
	gniFieldCount = 7
	gniNativeLen  = gniFieldCount * 4
)

func (gniCodec) Format() fabric.AddrFormat { return fabric.AddrFormatGNI }

func (gniCodec) ParseURI(specific string) ([]byte, error) {
	fields := strings.Split(specific, ":")
	if len(fields) != gniFieldCount {
		return nil, fmt.Errorf("parse gni address %q: expected %d fields, got %d", specific, gniFieldCount, len(fields))
	}
	native := make([]byte, gniNativeLen)
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("parse gni field %d (%q): %w", i, f, err)
		}
		binary.BigEndian.PutUint32(native[i*4:], uint32(v))
	}
	return native, nil
}

func (gniCodec) FormatURI(native []byte) (string, error) {
	if len(native) < gniNativeLen {
		return "", fmt.Errorf("gni native address too short: %d bytes", len(native))
	}
	parts := make([]string, gniFieldCount)
	for i := range parts {
		parts[i] = strconv.FormatUint(uint64(binary.BigEndian.Uint32(native[i*4:])), 16)
	}
	return strings.Join(parts, ":"), nil
}

func (gniCodec) Key(native []byte) (uint64, error) {
	if len(native) < gniNativeLen {
		return 0, fmt.Errorf("gni native address too short: %d bytes", len(native))
	}
	deviceAddr := binary.BigEndian.Uint32(native[4:8])
	cdmID := binary.BigEndian.Uint32(native[8:12])
	key := (uint64(deviceAddr) << 32) | uint64(cdmID)
	if key == 0 {
		return 0, fmt.Errorf("gni address hashes to the reserved zero key")
	}
	return key, nil
}
