package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/reconcile"
)

// Kind identifies the bootloader family managing the machine's boot entries.
type Kind string

const (
	KindLimine      Kind = "limine"
	KindGrub        Kind = "grub"
	KindSystemdBoot Kind = "systemd-boot"
	KindUnknown     Kind = "unknown"
)

// Adapter manipulates one bootloader family's on-disk configuration. All
// implementations operate over an explicit filesystem root and command
// runner so tests can substitute both.
type Adapter interface {
	// Kind returns the bootloader family this adapter manages.
	Kind() Kind

	// EnsureCmdlineTokens guarantees every bootable kernel entry's command
	// line contains all given tokens. Tokens already present everywhere
	// make the whole operation a no-op; existing tokens are never removed.
	EnsureCmdlineTokens(ctx context.Context, tokens []string) (reconcile.Outcome, string, error)

	// SetDefaultKernel makes the entry booting the given kernel version the
	// default, and disables any remember-last-booted setting that would
	// silently override it. Returns NotFound when no entry boots that
	// version.
	SetDefaultKernel(ctx context.Context, version string) (reconcile.Outcome, string, error)
}

// detection probes, in canonical-path order; first match wins.
var detectOrder = []struct {
	kind Kind
	path string
}{
	{KindLimine, "boot/limine/limine.conf"},
	{KindLimine, "boot/limine.conf"},
	{KindGrub, "etc/default/grub"},
	{KindSystemdBoot, "boot/loader/loader.conf"},
}

// Detect identifies the bootloader by presence of its canonical config path
// under root. The probe order is fixed so detection is deterministic on
// systems with leftover configs from a previous bootloader.
func Detect(root string) Kind {
	for _, probe := range detectOrder {
		if _, err := os.Stat(filepath.Join(root, probe.path)); err == nil {
			return probe.kind
		}
	}
	return KindUnknown
}

// New returns the adapter for the detected bootloader. An unknown
// bootloader is an unsupported backend, not a fatal condition; the caller
// reports it and applies boot changes by hand.
func New(root string, runner execx.Runner) (Adapter, error) {
	switch Detect(root) {
	case KindLimine:
		return &limineAdapter{root: root, runner: runner}, nil
	case KindGrub:
		return &grubAdapter{root: root, runner: runner}, nil
	case KindSystemdBoot:
		return &systemdBootAdapter{root: root, runner: runner}, nil
	default:
		return nil, fmt.Errorf("no bootloader config found under %s: %w", root, reconcile.ErrUnsupportedBackend)
	}
}

// missingTokens returns the subset of want absent from the space-separated
// command line.
func missingTokens(cmdline string, want []string) []string {
	have := map[string]bool{}
	for _, tok := range strings.Fields(cmdline) {
		have[tok] = true
	}
	var missing []string
	for _, tok := range want {
		if !have[tok] {
			missing = append(missing, tok)
		}
	}
	return missing
}

// appendTokens appends tokens to a command line, preserving everything
// already there.
func appendTokens(cmdline string, tokens []string) string {
	out := strings.TrimSpace(cmdline)
	for _, tok := range tokens {
		if out == "" {
			out = tok
		} else {
			out += " " + tok
		}
	}
	return out
}

// kernelPkgbase resolves a kernel version to its package base name (for
// example "linux-lts") via the modules tree. Entry titles and image names
// reference the pkgbase, not the version, so default-entry selection needs
// this mapping.
func kernelPkgbase(root, version string) (string, error) {
	b, err := os.ReadFile(filepath.Join(root, "usr/lib/modules", version, "pkgbase"))
	if err != nil {
		return "", fmt.Errorf("no pkgbase for kernel %s: %w", version, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// writeConfig writes a config file in place, reporting an unwritable path
// as fatal for this adapter call.
func writeConfig(path string, data []byte) error {
	info, err := os.Stat(path)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("writing %s: %v: %w", path, err, reconcile.ErrFatal)
	}
	return nil
}
