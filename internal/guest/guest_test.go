package guest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/warren/internal/reconcile"
	"github.com/jbweber/homelab/warren/internal/target"
)

var errDomainNotFound = errors.New("Domain not found: no domain with matching name")

// fakeHypervisor is an in-memory libvirt stand-in.
type fakeHypervisor struct {
	domains   map[string]string // name -> inactive definition XML
	autostart map[string]int32

	attachCalls []attachCall
	defined     []string

	lookupErr error
}

type attachCall struct {
	domain string
	xml    string
	flags  uint32
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		domains:   map[string]string{},
		autostart: map[string]int32{},
	}
}

func (f *fakeHypervisor) DomainLookupByName(name string) (libvirt.Domain, error) {
	if f.lookupErr != nil {
		return libvirt.Domain{}, f.lookupErr
	}
	if _, ok := f.domains[name]; !ok {
		return libvirt.Domain{}, errDomainNotFound
	}
	return libvirt.Domain{Name: name}, nil
}

func (f *fakeHypervisor) DomainDefineXML(xml string) (libvirt.Domain, error) {
	f.defined = append(f.defined, xml)
	f.domains["nas"] = xml
	return libvirt.Domain{Name: "nas"}, nil
}

func (f *fakeHypervisor) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	return f.domains[dom.Name], nil
}

func (f *fakeHypervisor) DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	f.attachCalls = append(f.attachCalls, attachCall{domain: dom.Name, xml: xml, flags: flags})
	return nil
}

func (f *fakeHypervisor) DomainGetAutostart(dom libvirt.Domain) (int32, error) {
	return f.autostart[dom.Name], nil
}

func (f *fakeHypervisor) DomainSetAutostart(dom libvirt.Domain, autostart int32) error {
	f.autostart[dom.Name] = autostart
	return nil
}

const nasDefinition = `<domain type='kvm'>
  <name>nas</name>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/libvirt/images/nas.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <filesystem type='mount'>
      <source dir='/srv/media'/>
      <target dir='media'/>
    </filesystem>
    <hostdev mode='subsystem' type='pci' managed='yes'>
      <source>
        <address domain='0x0000' bus='0x03' slot='0x00' function='0x0'/>
      </source>
    </hostdev>
  </devices>
</domain>`

func newGuestReconciler(hv Hypervisor, tgt target.DomainTarget) *Reconciler {
	return &Reconciler{Hypervisor: hv, Target: tgt}
}

func TestDomainExists(t *testing.T) {
	hv := newFakeHypervisor()
	hv.domains["nas"] = nasDefinition
	r := newGuestReconciler(hv, target.DomainTarget{Name: "nas"})
	ctx := context.Background()

	exists, err := r.DomainExists(ctx, "nas")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = r.DomainExists(ctx, "other")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDomainExists_LookupError(t *testing.T) {
	hv := newFakeHypervisor()
	hv.lookupErr = errors.New("connection reset")
	r := newGuestReconciler(hv, target.DomainTarget{Name: "nas"})

	_, err := r.DomainExists(context.Background(), "nas")
	require.Error(t, err)
}

func TestEnsureDefined(t *testing.T) {
	xmlPath := filepath.Join(t.TempDir(), "nas.xml")
	require.NoError(t, os.WriteFile(xmlPath, []byte(nasDefinition), 0o644))

	hv := newFakeHypervisor()
	r := newGuestReconciler(hv, target.DomainTarget{Name: "nas", XMLPath: xmlPath})
	ctx := context.Background()

	outcome, _, err := r.EnsureDefined(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	require.Len(t, hv.defined, 1)

	// second run leaves the existing definition alone
	outcome, _, err = r.EnsureDefined(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Unchanged, outcome)
	assert.Len(t, hv.defined, 1)
}

func TestEnsureDefined_NoXML(t *testing.T) {
	hv := newFakeHypervisor()
	r := newGuestReconciler(hv, target.DomainTarget{Name: "nas"})

	outcome, detail, err := r.EnsureDefined(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.NotFound, outcome)
	assert.Contains(t, detail, "no definition XML")
	assert.Empty(t, hv.defined)
}

func TestEnsureDefined_MissingXMLFile(t *testing.T) {
	hv := newFakeHypervisor()
	r := newGuestReconciler(hv, target.DomainTarget{
		Name:    "nas",
		XMLPath: filepath.Join(t.TempDir(), "nope.xml"),
	})

	_, _, err := r.EnsureDefined(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrFatal)
}

func TestAttachDevices(t *testing.T) {
	hv := newFakeHypervisor()
	hv.domains["nas"] = nasDefinition
	r := newGuestReconciler(hv, target.DomainTarget{
		Name: "nas",
		Devices: []target.Device{
			// already in the definition
			{Type: "disk", Source: "/var/lib/libvirt/images/nas.qcow2", TargetDev: "vda"},
			{Type: "filesystem", Source: "/srv/media", TargetTag: "media"},
			{Type: "pci", Address: "0000:03:00.0"},
			// missing
			{Type: "disk", Source: "/dev/disk/by-id/wwn-0x5000", TargetDev: "vdb"},
			{Type: "pci", Address: "0000:04:00.0"},
		},
	})

	outcome, detail, err := r.AttachDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.Contains(t, detail, "2 of 5")
	require.Len(t, hv.attachCalls, 2)

	// attachment must target the persistent definition
	for _, call := range hv.attachCalls {
		assert.Equal(t, uint32(libvirt.DomainDeviceModifyConfig), call.flags)
	}
	assert.Contains(t, hv.attachCalls[0].xml, "source file='/dev/disk/by-id/wwn-0x5000'")
	assert.Contains(t, hv.attachCalls[0].xml, "target dev='vdb'")
	assert.Contains(t, hv.attachCalls[1].xml, "address domain='0x0000' bus='0x04' slot='0x00' function='0x0'")
}

func TestAttachDevices_AllPresent(t *testing.T) {
	hv := newFakeHypervisor()
	hv.domains["nas"] = nasDefinition
	r := newGuestReconciler(hv, target.DomainTarget{
		Name: "nas",
		Devices: []target.Device{
			{Type: "disk", Source: "/var/lib/libvirt/images/nas.qcow2", TargetDev: "vda"},
			// pci address matches despite different hex formatting
			{Type: "pci", Address: "0000:03:00.0"},
		},
	})

	outcome, _, err := r.AttachDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Unchanged, outcome)
	assert.Empty(t, hv.attachCalls)
}

func TestAttachDevices_DomainMissing(t *testing.T) {
	hv := newFakeHypervisor()
	r := newGuestReconciler(hv, target.DomainTarget{
		Name:    "nas",
		Devices: []target.Device{{Type: "pci", Address: "0000:03:00.0"}},
	})

	outcome, _, err := r.AttachDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.NotFound, outcome)
}

func TestEnsureAutostart(t *testing.T) {
	hv := newFakeHypervisor()
	hv.domains["nas"] = nasDefinition
	r := newGuestReconciler(hv, target.DomainTarget{Name: "nas", Autostart: true})
	ctx := context.Background()

	outcome, _, err := r.EnsureAutostart(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.Equal(t, int32(1), hv.autostart["nas"])

	outcome, _, err = r.EnsureAutostart(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Unchanged, outcome)
}

func TestEnsureAutostart_Disable(t *testing.T) {
	hv := newFakeHypervisor()
	hv.domains["nas"] = nasDefinition
	hv.autostart["nas"] = 1
	r := newGuestReconciler(hv, target.DomainTarget{Name: "nas", Autostart: false})

	outcome, _, err := r.EnsureAutostart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.Equal(t, int32(0), hv.autostart["nas"])
}

func TestParsePCIAddress(t *testing.T) {
	a, err := parsePCIAddress("0000:03:00.1")
	require.NoError(t, err)
	assert.Equal(t, pciAddress{domain: 0, bus: 3, slot: 0, function: 1}, a)

	_, err = parsePCIAddress("not-an-address")
	require.Error(t, err)
}
