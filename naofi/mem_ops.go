package naofi

import (
	"context"

	"github.com/na-ofi/naofi-go/memhandle"
)

// MemHandleCreate implements mem_handle_create: an unregistered descriptor
// for buf (spec §4.8).
func (p *Plugin) MemHandleCreate(buf []byte, access memhandle.Access) *memhandle.Handle {
	return memhandle.Create(buf, access)
}

// MemHandleFree releases a handle's local registration, if any (spec
// §4.8's mem_handle_free; distinct from mem_deregister only in name —
// both tear down the same local MR).
func (p *Plugin) MemHandleFree(h *memhandle.Handle) error {
	return p.MemDeregister(h)
}

// MemRegister implements mem_register: handles alias the domain's global
// MR when one was opened (scalable-MR providers), otherwise each handle
// registers its own region (spec §4.3, §4.8).
func (p *Plugin) MemRegister(ctx context.Context, h *memhandle.Handle, buf []byte) error {
	requiresPerHandleMR := !p.Domain.HasGlobalMR()
	if err := h.Register(ctx, p.Domain.Native, buf, requiresPerHandleMR, p.Domain.GlobalKey()); err != nil {
		return wrap("mem_register", StatusNoMem, err)
	}
	return nil
}

// MemDeregister implements mem_deregister.
func (p *Plugin) MemDeregister(h *memhandle.Handle) error {
	if err := h.Deregister(); err != nil {
		return wrap("mem_deregister", StatusProtocolError, err)
	}
	return nil
}

// MemHandleGetSerializeSize implements mem_handle_get_serialize_size
// without requiring a constructed Handle (spec §6.5).
func (p *Plugin) MemHandleGetSerializeSize() int { return memhandle.SerializedLen() }

// MemHandleSerialize implements mem_handle_serialize.
func (p *Plugin) MemHandleSerialize(h *memhandle.Handle) []byte { return h.Serialize() }

// MemHandleDeserialize implements mem_handle_deserialize.
func (p *Plugin) MemHandleDeserialize(data []byte) (*memhandle.Handle, error) {
	h, err := memhandle.Deserialize(data)
	if err != nil {
		return nil, wrap("mem_handle_deserialize", StatusInvalidArg, err)
	}
	return h, nil
}
