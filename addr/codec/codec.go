// Package codec implements the per-address-format converters named in
// spec §4.2: URI <-> native address bytes, and native address -> 64-bit
// cache key. Each format gets its own Key function rather than sharing one
// (see DESIGN.md on the PSM2/sockets Open Question).
package codec

import (
	"fmt"
	"strings"

	"github.com/na-ofi/naofi-go/fabric"
)

// Codec converts between a URI's provider-specific part and native address
// bytes for one address format, and derives the 64-bit cache key.
type Codec interface {
	Format() fabric.AddrFormat
	ParseURI(specific string) ([]byte, error)
	FormatURI(native []byte) (string, error)
	Key(native []byte) (uint64, error)
}

// Registry dispatches a full "<prov>://<specific>" URI to the codec
// registered under its provider prefix (spec §4.2: "the provider prefix is
// used to select the codec").
type Registry struct {
	byPrefix map[string]Codec
}

// NewRegistry returns a Registry pre-populated with the formats named in
// spec §6.2 ("IPv4 socket, PSM2, GNI"), aliasing the stream-oriented
// provider names (tcp, verbs) onto the sockets codec since they share its
// address format per the provider table (spec §4.1).
func NewRegistry() *Registry {
	r := &Registry{byPrefix: make(map[string]Codec)}
	r.Register("sockets", Sock)
	r.Register("tcp", Sock)
	r.Register("verbs", Sock)
	r.Register("psm2", PSM2)
	r.Register("gni", GNI)
	return r
}

// Register binds prefix to c, overriding any existing binding.
func (r *Registry) Register(prefix string, c Codec) { r.byPrefix[prefix] = c }

// Lookup returns the codec registered for prefix.
func (r *Registry) Lookup(prefix string) (Codec, bool) {
	c, ok := r.byPrefix[prefix]
	return c, ok
}

// SplitURI splits "<prefix>://<specific>" into its two parts.
func SplitURI(uri string) (prefix, specific string, err error) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", "", fmt.Errorf("invalid uri %q: missing scheme", uri)
	}
	return uri[:idx], uri[idx+len("://"):], nil
}

// Parse resolves a full URI to its address format and native bytes.
func (r *Registry) Parse(uri string) (fabric.AddrFormat, []byte, error) {
	prefix, specific, err := SplitURI(uri)
	if err != nil {
		return fabric.AddrFormatUnspec, nil, err
	}
	c, ok := r.Lookup(prefix)
	if !ok {
		return fabric.AddrFormatUnspec, nil, fmt.Errorf("no codec registered for provider %q", prefix)
	}
	native, err := c.ParseURI(specific)
	if err != nil {
		return fabric.AddrFormatUnspec, nil, err
	}
	return c.Format(), native, nil
}

// Format renders native bytes back into a full "<prefix>://<specific>" URI.
func (r *Registry) Format(prefix string, native []byte) (string, error) {
	c, ok := r.Lookup(prefix)
	if !ok {
		return "", fmt.Errorf("no codec registered for provider %q", prefix)
	}
	specific, err := c.FormatURI(native)
	if err != nil {
		return "", err
	}
	return prefix + "://" + specific, nil
}

// Key derives the 64-bit cache key for native under prefix's codec.
func (r *Registry) Key(prefix string, native []byte) (uint64, error) {
	c, ok := r.Lookup(prefix)
	if !ok {
		return 0, fmt.Errorf("no codec registered for provider %q", prefix)
	}
	return c.Key(native)
}

// byFormat lets callers that only know a fabric.AddrFormat (not a provider
// prefix string) reach the right codec — the completion engine's
// FI_EADDRNOTAVAIL path recovers a native address from a CQ error entry,
// which carries no provider name.
func byFormat(format fabric.AddrFormat) (Codec, error) {
	switch format {
	case fabric.AddrFormatSock:
		return Sock, nil
	case fabric.AddrFormatPSM2:
		return PSM2, nil
	case fabric.AddrFormatGNI:
		return GNI, nil
	default:
		return nil, fmt.Errorf("no codec registered for address format %v", format)
	}
}

// KeyFor derives the 64-bit cache key for native under format's codec.
func KeyFor(format fabric.AddrFormat, native []byte) (uint64, error) {
	c, err := byFormat(format)
	if err != nil {
		return 0, err
	}
	return c.Key(native)
}
