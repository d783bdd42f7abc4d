package control

import (
	"context"
	"math"
	"net"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo is the static host summary exposed in /api/status.
type SystemInfo struct {
	OS           string     `json:"os"`
	OSVersion    string     `json:"os_version"`
	OSRelease    string     `json:"os_release"`
	Hostname     string     `json:"hostname"`
	Architecture string     `json:"architecture"`
	MAC          string     `json:"mac"`
	IP           string     `json:"ip"`
	DiskGB       DiskGBInfo `json:"disk_gb"`
	RAMGB        float64    `json:"ram_gb"`
	CPU          CPUInfo    `json:"cpu"`
}

type DiskGBInfo struct {
	Total   float64 `json:"total"`
	Used    float64 `json:"used"`
	Free    float64 `json:"free"`
	Percent float64 `json:"percent"`
}

type CPUInfo struct {
	Physical int `json:"physical"`
	Logical  int `json:"logical"`
}

// collectSystemInfo gathers the host summary. Individual probe failures
// leave zero values rather than failing the whole status response.
func collectSystemInfo(ctx context.Context, ip string) SystemInfo {
	info := SystemInfo{IP: ip}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.OS = hi.OS
		info.OSVersion = hi.PlatformVersion
		info.OSRelease = hi.KernelVersion
		info.Architecture = hi.KernelArch
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	info.MAC = primaryMAC()

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		info.DiskGB = DiskGBInfo{
			Total:   roundGB(du.Total),
			Used:    roundGB(du.Used),
			Free:    roundGB(du.Free),
			Percent: math.Round(du.UsedPercent*100) / 100,
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.RAMGB = roundGB(vm.Total)
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		info.CPU.Physical = n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPU.Logical = n
	}
	return info
}

// primaryMAC returns the hardware address of the first up, non-loopback
// interface that has one.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if hw := iface.HardwareAddr.String(); hw != "" {
			return hw
		}
	}
	return ""
}

func roundGB(bytes uint64) float64 {
	return math.Round(float64(bytes)/(1<<30)*100) / 100
}
