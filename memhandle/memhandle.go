// Package memhandle wraps fabric memory registration: local/remote RMA
// descriptors and their exact-byte wire serialization (spec §4.8, §6.5).
package memhandle

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/na-ofi/naofi-go/fabric"
)

// Access mirrors the handle-level access mode a consumer requests, which
// this package maps down to fabric.MRAccess bits on Register (spec
// §4.8's read-only/write-only/read-write -> remote/local bit mapping).
type Access int

const (
	AccessReadOnly Access = iota
	AccessWriteOnly
	AccessReadWrite
)

func (a Access) fabricBits() fabric.MRAccess {
	switch a {
	case AccessReadOnly:
		return fabric.AccessRemoteRead | fabric.AccessLocalWrite
	case AccessWriteOnly:
		return fabric.AccessRemoteWrite | fabric.AccessLocalRead
	default:
		return fabric.AccessRemoteRead | fabric.AccessRemoteWrite | fabric.AccessLocalRead | fabric.AccessLocalWrite
	}
}

// Handle is a local or remote RMA descriptor (spec §3's "Memory handle").
type Handle struct {
	Base   uint64
	Size   uint64
	Access Access
	Key    uint64

	mr       fabric.MR // non-nil only for locally registered handles
	fromGlobal bool     // true if this handle aliases the domain's global MR
}

// Create allocates an unregistered descriptor for a local buffer (spec
// §4.8 "Create"). Base is an opaque offset the registering provider
// assigns meaning to; remote peers only ever address by Key + byte
// offset, never by Base directly.
func Create(buf []byte, access Access) *Handle {
	return &Handle{Size: uint64(len(buf)), Access: access}
}

// Register registers h's region against dom. For providers with
// "allocated" MR mode the region is registered directly with access bits
// derived from h.Access; for scalable-MR providers (global MR already
// covering the address space) h instead adopts the domain's global key
// (spec §4.8 "Register").
func (h *Handle) Register(ctx context.Context, dom fabric.Domain, buf []byte, requiresPerHandleMR bool, globalKey uint64) error {
	if !requiresPerHandleMR {
		h.Key = globalKey
		h.fromGlobal = true
		return nil
	}
	mr, err := dom.RegisterMR(ctx, buf, h.Access.fabricBits(), 0)
	if err != nil {
		return fmt.Errorf("memhandle: register: %w", err)
	}
	h.mr = mr
	h.Key = mr.Key()
	return nil
}

// Deregister closes the MR only if this handle created it locally (spec
// §4.8 "Deregister": handles aliasing the domain's global MR are not
// closed here).
func (h *Handle) Deregister() error {
	if h.fromGlobal || h.mr == nil {
		return nil
	}
	err := h.mr.Close()
	h.mr = nil
	return err
}

const serializedLen = 8 + 8 + 8 + 1 // base, size, key, access (spec §6.5)

// SerializedLen returns the exact byte length Serialize produces, for
// callers implementing mem_handle_get_serialize_size without constructing
// a Handle first.
func SerializedLen() int { return serializedLen }

// Serialize writes the exact descriptor bytes (base, size, mr_key,
// access) a remote peer needs to target this region (spec §4.8, §6.5).
func (h *Handle) Serialize() []byte {
	buf := make([]byte, serializedLen)
	binary.LittleEndian.PutUint64(buf[0:8], h.Base)
	binary.LittleEndian.PutUint64(buf[8:16], h.Size)
	binary.LittleEndian.PutUint64(buf[16:24], h.Key)
	buf[24] = byte(h.Access)
	return buf
}

// Deserialize recovers a Handle with a null local MR handle (spec §4.8:
// "Deserialized handles have a null local MR handle").
func Deserialize(data []byte) (*Handle, error) {
	if len(data) < serializedLen {
		return nil, fmt.Errorf("memhandle: deserialize: short buffer (%d < %d)", len(data), serializedLen)
	}
	return &Handle{
		Base:   binary.LittleEndian.Uint64(data[0:8]),
		Size:   binary.LittleEndian.Uint64(data[8:16]),
		Key:    binary.LittleEndian.Uint64(data[16:24]),
		Access: Access(data[24]),
	}, nil
}
