package facts

import (
	"time"

	"github.com/jbweber/homelab/warren/internal/boot"
)

// ModuleState classifies an installed kernel module package against the
// currently running kernel.
type ModuleState int

const (
	// ModuleNotInstalled means no build of the module package exists.
	ModuleNotInstalled ModuleState = iota

	// ModuleWrongKernel means the module is installed but was built for a
	// kernel other than the one currently running.
	ModuleWrongKernel

	// ModuleMatchingKernel means the installed module matches the running
	// kernel.
	ModuleMatchingKernel
)

// String returns the lowercase name of the module state.
func (s ModuleState) String() string {
	switch s {
	case ModuleNotInstalled:
		return "not-installed"
	case ModuleWrongKernel:
		return "wrong-kernel"
	case ModuleMatchingKernel:
		return "matching-kernel"
	default:
		return "invalid"
	}
}

// SystemFacts is a snapshot of observed reality. It is captured fresh on
// every run and never cached; an empty field means the probe could not
// determine it and downstream code must assume a change is needed.
type SystemFacts struct {
	OSFamily      string    `json:"os_family"`      // e.g. "arch", "debian", "rhel"
	Platform      string    `json:"platform"`       // distro id, e.g. "cachyos"
	KernelVersion string    `json:"kernel_version"` // currently booted kernel
	CmdlineTokens []string  `json:"cmdline_tokens"` // active kernel cmdline, tokenized
	Bootloader    boot.Kind `json:"bootloader"`

	ModulePackage string      `json:"module_package,omitempty"`
	ModuleVersion string      `json:"module_version,omitempty"`
	ModuleKernel  string      `json:"module_kernel,omitempty"` // kernel the module was built for
	ModuleState   ModuleState `json:"module_state"`

	IOMMUGroups int  `json:"iommu_groups"`
	IOMMUActive bool `json:"iommu_active"`

	Disks      []string `json:"disks,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`

	TunnelID      string `json:"tunnel_id,omitempty"` // empty when absent or unknown
	DomainDefined bool   `json:"domain_defined"`

	ObservedAt time.Time `json:"observed_at"`
}

// HasToken reports whether the active kernel cmdline contains the token.
func (f SystemFacts) HasToken(token string) bool {
	for _, t := range f.CmdlineTokens {
		if t == token {
			return true
		}
	}
	return false
}

// MissingTokens returns the subset of want absent from the active cmdline.
func (f SystemFacts) MissingTokens(want []string) []string {
	var missing []string
	for _, t := range want {
		if !f.HasToken(t) {
			missing = append(missing, t)
		}
	}
	return missing
}
