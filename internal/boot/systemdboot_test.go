package boot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/reconcile"
)

func newSystemdBoot(t *testing.T) (*systemdBootAdapter, string, *execx.FakeRunner) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "boot/loader/loader.conf", "default @saved\ntimeout 3\n")
	writeFile(t, root, "boot/loader/entries/arch.conf", `title Arch Linux
version 6.9.1-arch1-1
linux /vmlinuz-linux
initrd /initramfs-linux.img
options root=UUID=abcd rw quiet
`)
	writeFile(t, root, "boot/loader/entries/arch-lts.conf", `title Arch Linux (LTS)
version 6.8.9-lts1-1
linux /vmlinuz-linux-lts
initrd /initramfs-linux-lts.img
options root=UUID=abcd rw
`)
	runner := execx.NewFakeRunner()
	return &systemdBootAdapter{root: root, runner: runner}, root, runner
}

func TestSystemdBoot_EnsureCmdlineTokens(t *testing.T) {
	a, root, _ := newSystemdBoot(t)
	ctx := context.Background()

	outcome, detail, err := a.EnsureCmdlineTokens(ctx, []string{"intel_iommu=on", "iommu=pt"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.Contains(t, detail, "2 of 2")

	// both entries were patched, not just the default
	assert.Contains(t, readFile(t, root, "boot/loader/entries/arch.conf"),
		"options root=UUID=abcd rw quiet intel_iommu=on iommu=pt")
	assert.Contains(t, readFile(t, root, "boot/loader/entries/arch-lts.conf"),
		"options root=UUID=abcd rw intel_iommu=on iommu=pt")

	outcome, _, err = a.EnsureCmdlineTokens(ctx, []string{"intel_iommu=on", "iommu=pt"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Unchanged, outcome)
}

func TestSystemdBoot_EnsureCmdlineTokens_PartiallyPatched(t *testing.T) {
	a, root, _ := newSystemdBoot(t)
	writeFile(t, root, "boot/loader/entries/arch.conf", `title Arch Linux
linux /vmlinuz-linux
options root=UUID=abcd rw intel_iommu=on
`)

	outcome, detail, err := a.EnsureCmdlineTokens(context.Background(), []string{"intel_iommu=on"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.Contains(t, detail, "1 of 2")
}

func TestSystemdBoot_EnsureCmdlineTokens_NoEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "boot/loader/loader.conf", "timeout 3\n")
	a := &systemdBootAdapter{root: root, runner: execx.NewFakeRunner()}

	outcome, _, err := a.EnsureCmdlineTokens(context.Background(), []string{"quiet"})
	require.NoError(t, err)
	assert.Equal(t, reconcile.NotFound, outcome)
}

func TestSystemdBoot_SetDefaultKernel(t *testing.T) {
	a, root, runner := newSystemdBoot(t)
	ctx := context.Background()

	outcome, _, err := a.SetDefaultKernel(ctx, "6.8.9-lts1-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.True(t, runner.Called("bootctl set-default arch-lts.conf"))

	// @saved would restore the last booted entry over the explicit default
	content := readFile(t, root, "boot/loader/loader.conf")
	assert.Contains(t, content, "default arch-lts.conf")
	assert.NotContains(t, content, "@saved")

	outcome, _, err = a.SetDefaultKernel(ctx, "6.8.9-lts1-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.Unchanged, outcome)
}

func TestSystemdBoot_SetDefaultKernel_ByImageName(t *testing.T) {
	a, root, _ := newSystemdBoot(t)
	// entry without a version field still resolves via the kernel image
	writeFile(t, root, "boot/loader/entries/arch-lts.conf", `title Arch Linux (LTS)
linux /vmlinuz-linux-lts
options root=UUID=abcd rw
`)
	writeFile(t, root, "usr/lib/modules/6.8.9-lts1-1/pkgbase", "linux-lts\n")

	outcome, _, err := a.SetDefaultKernel(context.Background(), "6.8.9-lts1-1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.Changed, outcome)
	assert.Contains(t, readFile(t, root, "boot/loader/loader.conf"), "default arch-lts.conf")
}

func TestSystemdBoot_SetDefaultKernel_NotFound(t *testing.T) {
	a, _, _ := newSystemdBoot(t)

	outcome, _, err := a.SetDefaultKernel(context.Background(), "5.15.0-unknown")
	require.NoError(t, err)
	assert.Equal(t, reconcile.NotFound, outcome)
}
