// Package hostinfo describes the acquisition host. It uses gopsutil for
// cross-platform system telemetry.
package hostinfo

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot holds what the datacenter and the data file header record about
// the machine the photometer is attached to.
type Snapshot struct {
	Hostname    string
	LocalIP     string
	OS          string
	Uptime      time.Duration
	MemUsage    float64
	DiskUsage   float64 // used percentage of the partition holding the data directory
	CollectedAt time.Time
}

// Collect gathers the current snapshot. dataDir selects the partition whose
// usage is reported; empty means the working directory. Missing values are
// left at their zero value.
func Collect(dataDir string) Snapshot {
	snap := Snapshot{
		OS:          detailedOS(),
		LocalIP:     localIP(),
		CollectedAt: time.Now(),
	}

	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}
	if up, err := host.Uptime(); err == nil {
		snap.Uptime = time.Duration(up) * time.Second
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsage = vm.UsedPercent
	}

	if dataDir == "" {
		dataDir = "."
	}
	if usage, err := disk.Usage(dataDir); err == nil {
		snap.DiskUsage = usage.UsedPercent
	}
	return snap
}

// String is the one-line form used in data file headers.
func (s Snapshot) String() string {
	name := s.Hostname
	if name == "" {
		name = "unknown host"
	}
	if s.LocalIP != "" {
		name += " (" + s.LocalIP + ")"
	}
	return fmt.Sprintf("%s, %s", name, s.OS)
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS() string {
	info, err := host.Info()
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion) // e.g., "raspbian 11"
		}
		return info.Platform
	}
	return runtime.GOOS
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}
