package plugin

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// HostInventory collects an inventory of the local host: identity, OS and
// kernel details, memory, and mounted partitions. Each partition becomes
// its own asset so drift in mounts shows up as record-level changes.
type HostInventory struct{}

// NewHostInventory creates the host inventory collector.
func NewHostInventory() *HostInventory {
	return &HostInventory{}
}

func (p *HostInventory) Name() string           { return "host_inventory" }
func (p *HostInventory) Kind() types.PluginKind { return types.PluginKindCollector }

// Execute gathers host facts. Partition or memory probe failures degrade
// the inventory rather than failing the run; only a missing host identity
// is fatal because it is the asset key.
func (p *HostInventory) Execute(ctx context.Context, config map[string]any, log *RunLogger) (*Result, error) {
	source := StringConfig(config, "source")
	if source == "" {
		source = "host_inventory"
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}
	if info.HostID == "" {
		return nil, fmt.Errorf("host reports no machine id")
	}
	log.Logf("collected host info for %s (%s %s)", info.Hostname, info.Platform, info.PlatformVersion)

	hostPayload := map[string]any{
		"hostname":         info.Hostname,
		"os":               info.OS,
		"platform":         info.Platform,
		"platform_version": info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"uptime_seconds":   info.Uptime,
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hostPayload["memory_total_bytes"] = vm.Total
	} else {
		log.Logf("memory probe failed: %v", err)
	}

	assets := []types.AssetRecord{{
		AssetType: "host",
		UUID:      info.HostID,
		Source:    source,
		Payload:   hostPayload,
	}}

	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		log.Logf("partition probe failed: %v", err)
	}
	for _, part := range partitions {
		assets = append(assets, types.AssetRecord{
			AssetType: "disk_partition",
			UUID:      info.HostID + ":" + part.Mountpoint,
			Source:    source,
			Payload: map[string]any{
				"device":     part.Device,
				"mountpoint": part.Mountpoint,
				"fstype":     part.Fstype,
			},
		})
	}
	log.Logf("emitting %d asset records", len(assets))

	return &Result{
		Success: true,
		Message: fmt.Sprintf("collected %d host records", len(assets)),
		Data:    map[string]any{"records": len(assets)},
		Assets:  assets,
	}, nil
}
