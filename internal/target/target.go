// Package target defines the desired-configuration descriptor supplied by
// the caller. The reconciliation core never mutates a TargetSpec.
package target

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TargetSpec is the declared target configuration for one machine.
type TargetSpec struct {
	// CmdlineTokens are kernel command line tokens that must be present on
	// every boot entry.
	CmdlineTokens []string `yaml:"cmdline_tokens,omitempty"`

	Module *ModuleTarget `yaml:"module,omitempty"`
	Tunnel *TunnelTarget `yaml:"tunnel,omitempty"`
	Domain *DomainTarget `yaml:"domain,omitempty"`
}

// ModuleTarget names a kernel module package that must be installed and
// usable with the booted kernel.
type ModuleTarget struct {
	Package   string `yaml:"package"`
	MinKernel string `yaml:"min_kernel,omitempty"`
}

// TunnelTarget describes a named tunnel and its ingress routes.
type TunnelTarget struct {
	Name   string  `yaml:"name"`
	Zone   string  `yaml:"zone"`
	Routes []Route `yaml:"routes"`
}

// Route maps a public hostname to a local backend service. A route with an
// empty hostname is the catch-all and, if declared, must be last.
type Route struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// DomainTarget describes a libvirt guest domain and the resources that must
// be attached to its persistent definition.
type DomainTarget struct {
	Name      string   `yaml:"name"`
	XMLPath   string   `yaml:"xml_path,omitempty"` // domain XML used when defining from scratch
	Autostart bool     `yaml:"autostart"`
	Devices   []Device `yaml:"devices,omitempty"`
}

// Device describes one attachable resource. Exactly the fields relevant to
// its type are set.
type Device struct {
	Type      string `yaml:"type"` // "disk", "filesystem" or "pci"
	Source    string `yaml:"source,omitempty"`
	TargetDev string `yaml:"target_dev,omitempty"` // disk: guest device name, e.g. "vdb"
	TargetTag string `yaml:"target_tag,omitempty"` // filesystem: guest mount tag
	Address   string `yaml:"address,omitempty"`    // pci: host function address, e.g. "0000:00:02.1"
}

// Load reads and validates a target spec from a YAML file.
func Load(path string) (*TargetSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading target spec: %w", err)
	}
	var spec TargetSpec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return nil, fmt.Errorf("parsing target spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks internal consistency of the spec.
func (s *TargetSpec) Validate() error {
	for _, tok := range s.CmdlineTokens {
		if strings.ContainsAny(tok, " \t\n") {
			return fmt.Errorf("cmdline token %q contains whitespace", tok)
		}
	}
	if s.Module != nil && s.Module.Package == "" {
		return fmt.Errorf("module target requires a package name")
	}
	if s.Tunnel != nil {
		if err := s.Tunnel.validate(); err != nil {
			return err
		}
	}
	if s.Domain != nil {
		if s.Domain.Name == "" {
			return fmt.Errorf("domain target requires a name")
		}
		for i, dev := range s.Domain.Devices {
			if err := dev.validate(); err != nil {
				return fmt.Errorf("domain device %d: %w", i, err)
			}
		}
	}
	return nil
}

func (t *TunnelTarget) validate() error {
	if len(t.Routes) > 0 && t.Name == "" {
		return fmt.Errorf("tunnel routes declared without a tunnel name")
	}
	if len(t.Routes) > 0 && t.Zone == "" {
		return fmt.Errorf("tunnel routes declared without a DNS zone")
	}
	seen := map[string]bool{}
	for i, r := range t.Routes {
		if r.Service == "" {
			return fmt.Errorf("route %d has no backend service", i)
		}
		if r.Hostname == "" {
			if i != len(t.Routes)-1 {
				return fmt.Errorf("catch-all route must be last, found at position %d", i)
			}
			continue
		}
		if strings.ContainsAny(r.Hostname, " \t/") || !strings.Contains(r.Hostname, ".") {
			return fmt.Errorf("route %d has malformed hostname %q", i, r.Hostname)
		}
		if seen[r.Hostname] {
			return fmt.Errorf("duplicate route hostname %q", r.Hostname)
		}
		seen[r.Hostname] = true
	}
	return nil
}

func (d *Device) validate() error {
	switch d.Type {
	case "disk":
		if d.Source == "" || d.TargetDev == "" {
			return fmt.Errorf("disk device requires source and target_dev")
		}
	case "filesystem":
		if d.Source == "" || d.TargetTag == "" {
			return fmt.Errorf("filesystem device requires source and target_tag")
		}
	case "pci":
		if d.Address == "" {
			return fmt.Errorf("pci device requires an address")
		}
	default:
		return fmt.Errorf("unknown device type %q", d.Type)
	}
	return nil
}
