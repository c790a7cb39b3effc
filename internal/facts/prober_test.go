package facts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/warren/internal/boot"
	"github.com/jbweber/homelab/warren/internal/execx"
)

func TestParseDKMSStatus(t *testing.T) {
	tests := []struct {
		name        string
		out         string
		pkg         string
		wantVersion string
		wantKernel  string
		wantOK      bool
	}{
		{
			name:        "slash layout",
			out:         "vendor-reset/1.0, 6.9.1-arch1-1, x86_64: installed\n",
			pkg:         "vendor-reset",
			wantVersion: "1.0",
			wantKernel:  "6.9.1-arch1-1",
			wantOK:      true,
		},
		{
			name:        "comma layout",
			out:         "vendor-reset, 1.0, 6.9.1-arch1-1, x86_64: installed\n",
			pkg:         "vendor-reset",
			wantVersion: "1.0",
			wantKernel:  "6.9.1-arch1-1",
			wantOK:      true,
		},
		{
			name:   "added but not built",
			out:    "vendor-reset/1.0: added\n",
			pkg:    "vendor-reset",
			wantOK: false,
		},
		{
			name:   "different package",
			out:    "zfs/2.2.4, 6.9.1-arch1-1, x86_64: installed\n",
			pkg:    "vendor-reset",
			wantOK: false,
		},
		{
			name:   "empty output",
			out:    "",
			pkg:    "vendor-reset",
			wantOK: false,
		},
		{
			name:        "multiple lines picks matching package",
			out:         "zfs/2.2.4, 6.9.1-arch1-1, x86_64: installed\nvendor-reset/1.0, 6.8.9-lts1-1, x86_64: installed\n",
			pkg:         "vendor-reset",
			wantVersion: "1.0",
			wantKernel:  "6.8.9-lts1-1",
			wantOK:      true,
		},
		{
			name:        "installed with warning suffix",
			out:         "vendor-reset/1.0, 6.9.1-arch1-1, x86_64: installed (original_module exists)\n",
			pkg:         "vendor-reset",
			wantVersion: "1.0",
			wantKernel:  "6.9.1-arch1-1",
			wantOK:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, kernel, ok := ParseDKMSStatus(tt.out, tt.pkg)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantVersion, version)
			assert.Equal(t, tt.wantKernel, kernel)
		})
	}
}

func TestSystemFacts_MissingTokens(t *testing.T) {
	f := SystemFacts{CmdlineTokens: []string{"root=UUID=abcd", "rw", "intel_iommu=on"}}

	assert.True(t, f.HasToken("intel_iommu=on"))
	assert.False(t, f.HasToken("iommu=pt"))
	assert.Equal(t, []string{"iommu=pt"}, f.MissingTokens([]string{"intel_iommu=on", "iommu=pt"}))
	assert.Nil(t, f.MissingTokens([]string{"rw"}))
}

type staticTunnelFinder struct {
	id  string
	err error
}

func (s staticTunnelFinder) FindTunnelID(ctx context.Context, name string) (string, error) {
	return s.id, s.err
}

type staticDomainChecker struct {
	defined bool
	err     error
}

func (s staticDomainChecker) DomainExists(ctx context.Context, name string) (bool, error) {
	return s.defined, s.err
}

func probeRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "proc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "proc/cmdline"),
		[]byte("root=UUID=abcd rw intel_iommu=on\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "boot/limine"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot/limine/limine.conf"), []byte("timeout: 3\n"), 0o644))
	for _, g := range []string{"0", "1", "2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "sys/kernel/iommu_groups", g), 0o755))
	}
	return root
}

func TestProber_Observe(t *testing.T) {
	root := probeRoot(t)
	p := &Prober{
		Root:    root,
		Runner:  execx.NewFakeRunner(),
		Tunnels: staticTunnelFinder{id: "tunnel-uuid"},
		Guests:  staticDomainChecker{defined: true},
	}

	f := p.Observe(context.Background(), Query{TunnelName: "homelab", DomainName: "nas"})

	assert.Equal(t, []string{"root=UUID=abcd", "rw", "intel_iommu=on"}, f.CmdlineTokens)
	assert.Equal(t, boot.KindLimine, f.Bootloader)
	assert.Equal(t, 3, f.IOMMUGroups)
	assert.True(t, f.IOMMUActive)
	assert.Equal(t, "tunnel-uuid", f.TunnelID)
	assert.True(t, f.DomainDefined)
	assert.False(t, f.ObservedAt.IsZero())
}

func TestProber_Observe_PartialFacts(t *testing.T) {
	// probes failing individually must not fail the snapshot
	p := &Prober{
		Root:    t.TempDir(),
		Runner:  execx.NewFakeRunner(),
		Tunnels: staticTunnelFinder{err: errors.New("api unreachable")},
		Guests:  staticDomainChecker{err: errors.New("socket missing")},
	}

	f := p.Observe(context.Background(), Query{TunnelName: "homelab", DomainName: "nas"})

	assert.Empty(t, f.CmdlineTokens)
	assert.Equal(t, boot.KindUnknown, f.Bootloader)
	assert.Empty(t, f.TunnelID)
	assert.False(t, f.DomainDefined)
}

func TestProber_Observe_ModuleStates(t *testing.T) {
	root := probeRoot(t)

	t.Run("not installed", func(t *testing.T) {
		runner := execx.NewFakeRunner()
		runner.Script("dkms status vendor-reset", "")
		p := &Prober{Root: root, Runner: runner}

		f := p.Observe(context.Background(), Query{ModulePackage: "vendor-reset"})
		assert.Equal(t, ModuleNotInstalled, f.ModuleState)
		assert.Equal(t, "vendor-reset", f.ModulePackage)
	})

	t.Run("wrong kernel", func(t *testing.T) {
		runner := execx.NewFakeRunner()
		runner.Script("dkms status vendor-reset",
			"vendor-reset/1.0, 5.15.0-old, x86_64: installed\n")
		p := &Prober{Root: root, Runner: runner}

		f := p.Observe(context.Background(), Query{ModulePackage: "vendor-reset"})
		assert.Equal(t, ModuleWrongKernel, f.ModuleState)
		assert.Equal(t, "1.0", f.ModuleVersion)
		assert.Equal(t, "5.15.0-old", f.ModuleKernel)
	})

	t.Run("dkms unavailable", func(t *testing.T) {
		runner := execx.NewFakeRunner()
		runner.Fail("dkms status vendor-reset", errors.New("dkms: command not found"))
		p := &Prober{Root: root, Runner: runner}

		f := p.Observe(context.Background(), Query{ModulePackage: "vendor-reset"})
		assert.Equal(t, ModuleNotInstalled, f.ModuleState)
		assert.Empty(t, f.ModuleVersion)
	})
}

func TestModuleState_String(t *testing.T) {
	assert.Equal(t, "not-installed", ModuleNotInstalled.String())
	assert.Equal(t, "wrong-kernel", ModuleWrongKernel.String())
	assert.Equal(t, "matching-kernel", ModuleMatchingKernel.String())
	assert.Equal(t, "invalid", ModuleState(99).String())
}
