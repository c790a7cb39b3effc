// Package guest converges a libvirt domain definition: the domain exists,
// the declared devices are attached to its persistent definition, and
// autostart matches the target. It wraps github.com/digitalocean/go-libvirt
// behind a consumer-defined interface so tests run without a libvirt
// daemon.
package guest

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/warren/internal/reconcile"
	"github.com/jbweber/homelab/warren/internal/target"
)

// Hypervisor is the slice of the libvirt API this package consumes.
// *libvirt.Libvirt satisfies it.
type Hypervisor interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error
	DomainGetAutostart(dom libvirt.Domain) (int32, error)
	DomainSetAutostart(dom libvirt.Domain, autostart int32) error
}

// Connect dials the local libvirt daemon over its Unix socket.
func Connect() (*libvirt.Libvirt, error) {
	l := libvirt.NewWithDialer(dialers.NewLocal())
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to libvirt: %w", err)
	}
	return l, nil
}

// Reconciler converges one guest domain.
type Reconciler struct {
	Hypervisor Hypervisor
	Target     target.DomainTarget
	Log        *zap.SugaredLogger
}

// notFound reports whether a libvirt error means the domain does not exist.
func notFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "domain not found")
}

// DomainExists reports whether a domain definition exists, for the prober.
func (r *Reconciler) DomainExists(ctx context.Context, name string) (bool, error) {
	_, err := r.Hypervisor.DomainLookupByName(name)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up domain %q: %w", name, err)
	}
	return true, nil
}

// EnsureDefined defines the domain from the target's XML when it does not
// exist. An existing domain is left exactly as it is.
func (r *Reconciler) EnsureDefined(ctx context.Context) (reconcile.Outcome, string, error) {
	_, err := r.Hypervisor.DomainLookupByName(r.Target.Name)
	if err == nil {
		return reconcile.Unchanged, fmt.Sprintf("domain %q already defined", r.Target.Name), nil
	}
	if !notFound(err) {
		return reconcile.Unknown, "", fmt.Errorf("looking up domain %q: %w", r.Target.Name, err)
	}
	if r.Target.XMLPath == "" {
		return reconcile.NotFound, fmt.Sprintf("domain %q not defined and no definition XML provided", r.Target.Name), nil
	}
	xml, err := os.ReadFile(r.Target.XMLPath)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading domain XML: %v: %w", err, reconcile.ErrFatal)
	}
	if _, err := r.Hypervisor.DomainDefineXML(string(xml)); err != nil {
		return reconcile.Unknown, "", fmt.Errorf("defining domain %q: %w", r.Target.Name, err)
	}
	return reconcile.Changed, fmt.Sprintf("domain %q defined", r.Target.Name), nil
}

// AttachDevices attaches every target device missing from the persistent
// definition. Attachment uses the config-affecting flag so the device
// survives a domain restart; an already-attached device is skipped, never
// re-attached.
func (r *Reconciler) AttachDevices(ctx context.Context) (reconcile.Outcome, string, error) {
	dom, err := r.Hypervisor.DomainLookupByName(r.Target.Name)
	if err != nil {
		if notFound(err) {
			return reconcile.NotFound, fmt.Sprintf("domain %q not defined", r.Target.Name), nil
		}
		return reconcile.Unknown, "", fmt.Errorf("looking up domain %q: %w", r.Target.Name, err)
	}
	// inspect the inactive definition: that is where attached devices must
	// end up for the change to be durable
	xmlDesc, err := r.Hypervisor.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading domain definition: %w", err)
	}
	defined, err := parseDomainDevices(xmlDesc)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("parsing domain definition: %w", err)
	}

	attached := 0
	for _, dev := range r.Target.Devices {
		present, err := defined.has(dev)
		if err != nil {
			return reconcile.Unknown, "", err
		}
		if present {
			continue
		}
		devXML, err := deviceXML(dev)
		if err != nil {
			return reconcile.Unknown, "", err
		}
		if err := r.Hypervisor.DomainAttachDeviceFlags(dom, devXML, uint32(libvirt.DomainDeviceModifyConfig)); err != nil {
			return reconcile.Unknown, "", fmt.Errorf("attaching %s device: %w", dev.Type, err)
		}
		attached++
	}
	if attached == 0 {
		return reconcile.Unchanged, "all devices already attached", nil
	}
	return reconcile.Changed, fmt.Sprintf("attached %d of %d devices", attached, len(r.Target.Devices)), nil
}

// EnsureAutostart aligns the domain's autostart flag with the target.
func (r *Reconciler) EnsureAutostart(ctx context.Context) (reconcile.Outcome, string, error) {
	dom, err := r.Hypervisor.DomainLookupByName(r.Target.Name)
	if err != nil {
		if notFound(err) {
			return reconcile.NotFound, fmt.Sprintf("domain %q not defined", r.Target.Name), nil
		}
		return reconcile.Unknown, "", fmt.Errorf("looking up domain %q: %w", r.Target.Name, err)
	}
	current, err := r.Hypervisor.DomainGetAutostart(dom)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading autostart: %w", err)
	}
	want := int32(0)
	if r.Target.Autostart {
		want = 1
	}
	if current == want {
		return reconcile.Unchanged, fmt.Sprintf("autostart already %v", r.Target.Autostart), nil
	}
	if err := r.Hypervisor.DomainSetAutostart(dom, want); err != nil {
		return reconcile.Unknown, "", fmt.Errorf("setting autostart: %w", err)
	}
	return reconcile.Changed, fmt.Sprintf("autostart set to %v", r.Target.Autostart), nil
}
