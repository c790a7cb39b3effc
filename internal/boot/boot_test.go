package boot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/reconcile"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(b)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		rels []string
		want Kind
	}{
		{"limine", []string{"boot/limine/limine.conf"}, KindLimine},
		{"limine esp root", []string{"boot/limine.conf"}, KindLimine},
		{"grub", []string{"etc/default/grub"}, KindGrub},
		{"systemd-boot", []string{"boot/loader/loader.conf"}, KindSystemdBoot},
		{"nothing", nil, KindUnknown},
		// deterministic first-match: limine wins over a leftover grub config
		{"limine beats grub", []string{"etc/default/grub", "boot/limine/limine.conf"}, KindLimine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for _, rel := range tt.rels {
				writeFile(t, root, rel, "")
			}
			assert.Equal(t, tt.want, Detect(root))
		})
	}
}

func TestNew_UnknownBootloader(t *testing.T) {
	_, err := New(t.TempDir(), execx.NewFakeRunner())
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrUnsupportedBackend)
}

func TestMissingTokens(t *testing.T) {
	missing := missingTokens("root=/dev/sda1 rw quiet", []string{"quiet", "intel_iommu=on", "iommu=pt"})
	assert.Equal(t, []string{"intel_iommu=on", "iommu=pt"}, missing)

	assert.Nil(t, missingTokens("a b c", []string{"a", "b"}))
}

func TestAppendTokens(t *testing.T) {
	assert.Equal(t, "a b c", appendTokens("a b", []string{"c"}))
	assert.Equal(t, "c", appendTokens("", []string{"c"}))
	assert.Equal(t, "a b", appendTokens("a b", nil))
}

func TestKernelPkgbase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "usr/lib/modules/6.8.9-arch1-1/pkgbase", "linux-lts\n")

	pkgbase, err := kernelPkgbase(root, "6.8.9-arch1-1")
	require.NoError(t, err)
	assert.Equal(t, "linux-lts", pkgbase)

	_, err = kernelPkgbase(root, "1.2.3-missing")
	assert.Error(t, err)
}
