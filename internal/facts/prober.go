package facts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	psnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/warren/internal/boot"
	"github.com/jbweber/homelab/warren/internal/execx"
)

// TunnelFinder resolves a tunnel name to its provider-assigned ID.
type TunnelFinder interface {
	FindTunnelID(ctx context.Context, name string) (string, error)
}

// DomainChecker reports whether a guest domain definition exists.
type DomainChecker interface {
	DomainExists(ctx context.Context, name string) (bool, error)
}

// Query names the remote and named things the prober should look for.
// Everything else in SystemFacts is discovered, not requested.
type Query struct {
	ModulePackage string
	TunnelName    string
	DomainName    string
}

// Prober performs read-only inspection of the live system. Every probe is
// independent: a failed probe logs and leaves its fact empty rather than
// failing the run.
type Prober struct {
	Root    string // filesystem root, "/" in production
	Runner  execx.Runner
	Tunnels TunnelFinder  // optional
	Guests  DomainChecker // optional
	Log     *zap.SugaredLogger
}

// Observe captures a fresh snapshot of the system. It never returns an
// error for an individual failed probe; partial facts are acceptable and
// downstream reconcilers treat an absent fact as unknown.
func (p *Prober) Observe(ctx context.Context, q Query) SystemFacts {
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f := SystemFacts{ObservedAt: time.Now().UTC()}

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.Debugw("host probe failed", "error", err)
	} else {
		f.OSFamily = info.PlatformFamily
		f.Platform = info.Platform
		f.KernelVersion = info.KernelVersion
	}

	if b, err := os.ReadFile(filepath.Join(p.Root, "proc/cmdline")); err != nil {
		log.Debugw("cmdline probe failed", "error", err)
	} else {
		f.CmdlineTokens = strings.Fields(string(b))
	}

	f.Bootloader = boot.Detect(p.Root)

	if groups, err := os.ReadDir(filepath.Join(p.Root, "sys/kernel/iommu_groups")); err == nil {
		f.IOMMUGroups = len(groups)
		f.IOMMUActive = len(groups) > 0
	}

	if q.ModulePackage != "" {
		p.probeModule(ctx, &f, q.ModulePackage, log)
	}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, part := range parts {
			f.Disks = append(f.Disks, part.Device)
		}
	}
	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			f.Interfaces = append(f.Interfaces, iface.Name)
		}
	}

	if q.TunnelName != "" && p.Tunnels != nil {
		if id, err := p.Tunnels.FindTunnelID(ctx, q.TunnelName); err != nil {
			log.Debugw("tunnel probe failed", "tunnel", q.TunnelName, "error", err)
		} else {
			f.TunnelID = id
		}
	}

	if q.DomainName != "" && p.Guests != nil {
		if defined, err := p.Guests.DomainExists(ctx, q.DomainName); err != nil {
			log.Debugw("domain probe failed", "domain", q.DomainName, "error", err)
		} else {
			f.DomainDefined = defined
		}
	}

	return f
}

// probeModule inspects dkms for the module package and classifies it
// against the running kernel.
func (p *Prober) probeModule(ctx context.Context, f *SystemFacts, pkg string, log *zap.SugaredLogger) {
	f.ModulePackage = pkg
	out, err := p.Runner.Output(ctx, "dkms", "status", pkg)
	if err != nil {
		log.Debugw("dkms probe failed", "package", pkg, "error", err)
		return
	}
	version, kernel, ok := ParseDKMSStatus(out, pkg)
	if !ok {
		f.ModuleState = ModuleNotInstalled
		return
	}
	f.ModuleVersion = version
	f.ModuleKernel = kernel
	if kernel == f.KernelVersion && kernel != "" {
		f.ModuleState = ModuleMatchingKernel
	} else {
		f.ModuleState = ModuleWrongKernel
	}
}

// ParseDKMSStatus extracts (version, kernel) from dkms status output. Both
// the old "name/version, kernel, arch: status" and the newer
// "name, version, kernel, arch: status" layouts are handled. Only lines in
// the installed state count; an added-but-unbuilt module is not usable.
func ParseDKMSStatus(out, pkg string) (version, kernel string, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		colon := strings.LastIndex(line, ":")
		if colon == -1 {
			continue
		}
		status := strings.TrimSpace(line[colon+1:])
		if !strings.Contains(status, "installed") {
			continue
		}
		fields := strings.Split(line[:colon], ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		switch {
		case len(fields) >= 3 && strings.Contains(fields[0], "/"):
			// name/version, kernel, arch
			parts := strings.SplitN(fields[0], "/", 2)
			if parts[0] != pkg {
				continue
			}
			return parts[1], fields[1], true
		case len(fields) >= 4:
			// name, version, kernel, arch
			if fields[0] != pkg {
				continue
			}
			return fields[1], fields[2], true
		}
	}
	return "", "", false
}
