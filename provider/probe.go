package provider

import (
	"context"
	"log/slog"

	"github.com/Mellanox/rdmamap"

	"github.com/na-ofi/naofi-go/internal/rdma"
)

// LocalDevice describes one RDMA HCA found on this host, including its
// per-port link state when the sysfs walk in internal/rdma succeeded.
type LocalDevice struct {
	Name  string
	Ports []rdma.Port
}

// ProbeLocal reports the local RDMA devices visible on this host. It backs
// a purely informational startup check for the "verbs" provider entry: it
// never gates correctness (the fabric surface itself decides whether a
// provider is usable), it only lets callers log a warning up front when
// verbs was requested but no HCA is present, and lets a debug route report
// real link state. Device names come from rdmamap (the teacher's own
// enumeration call); port and link-state detail comes from internal/rdma's
// sysfs walk, keyed back onto those names.
func ProbeLocal(ctx context.Context, logger *slog.Logger) []LocalDevice {
	if logger == nil {
		logger = slog.Default()
	}

	names := rdmamap.GetRdmaDeviceList()
	if len(names) == 0 {
		logger.Debug("no local RDMA devices found via rdmamap")
		return nil
	}

	detailed, err := rdma.NewSysfsProvider().Devices(ctx)
	if err != nil {
		logger.Warn("failed to read RDMA port state from sysfs", "err", err)
	}
	portsByName := make(map[string][]rdma.Port, len(detailed))
	for _, d := range detailed {
		portsByName[d.Name] = d.Ports
	}

	devices := make([]LocalDevice, 0, len(names))
	for _, n := range names {
		devices = append(devices, LocalDevice{Name: n, Ports: portsByName[n]})
	}
	return devices
}

// WarnIfVerbsUnavailable logs a warning when the verbs provider was
// requested but ProbeLocal found no local HCA.
func WarnIfVerbsUnavailable(ctx context.Context, logger *slog.Logger, providerName string) {
	if logger == nil {
		logger = slog.Default()
	}
	if providerName != "verbs" {
		return
	}
	if len(ProbeLocal(ctx, logger)) == 0 {
		logger.Warn("verbs provider requested but no local RDMA device was found")
	}
}
