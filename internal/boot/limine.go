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

// limineAdapter edits limine.conf. Entries are lines starting with '/';
// per-entry keys are indented "key: value" pairs and global keys precede
// the first entry. The default entry is a 1-based index over entries in
// file order, so any default change must be recomputed if entries are
// reordered, which is why SetDefaultKernel always re-derives the index
// from the regenerated file.
type limineAdapter struct {
	root   string
	runner execx.Runner
}

func (a *limineAdapter) Kind() Kind { return KindLimine }

func (a *limineAdapter) configPath() (string, error) {
	for _, rel := range []string{"boot/limine/limine.conf", "boot/limine.conf"} {
		p := filepath.Join(a.root, rel)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("limine.conf not found under %s: %w", a.root, reconcile.ErrFatal)
}

// EnsureCmdlineTokens appends missing tokens to the cmdline of every entry.
func (a *limineAdapter) EnsureCmdlineTokens(ctx context.Context, tokens []string) (reconcile.Outcome, string, error) {
	path, err := a.configPath()
	if err != nil {
		return reconcile.Unknown, "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading %s: %v: %w", path, err, reconcile.ErrFatal)
	}

	lines := strings.Split(string(b), "\n")
	patched := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "cmdline:") {
			continue
		}
		cmdline := strings.TrimSpace(strings.TrimPrefix(trimmed, "cmdline:"))
		missing := missingTokens(cmdline, tokens)
		if len(missing) == 0 {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		lines[i] = indent + "cmdline: " + appendTokens(cmdline, missing)
		patched++
	}
	if patched == 0 {
		return reconcile.Unchanged, "all entries already carry the required tokens", nil
	}
	if err := writeConfig(path, []byte(strings.Join(lines, "\n"))); err != nil {
		return reconcile.Unknown, "", err
	}
	if err := a.regenerate(ctx); err != nil {
		return reconcile.Unknown, "", err
	}
	return reconcile.Changed, fmt.Sprintf("patched cmdline of %d entries", patched), nil
}

// SetDefaultKernel points default_entry at the entry booting the given
// kernel version. Limine has no remember-last-entry setting, so the
// explicit index is authoritative once written.
func (a *limineAdapter) SetDefaultKernel(ctx context.Context, version string) (reconcile.Outcome, string, error) {
	path, err := a.configPath()
	if err != nil {
		return reconcile.Unknown, "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading %s: %v: %w", path, err, reconcile.ErrFatal)
	}
	pkgbase, err := kernelPkgbase(a.root, version)
	if err != nil {
		return reconcile.NotFound, "", err
	}

	lines := strings.Split(string(b), "\n")
	entry := 0
	target := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "/") {
			entry++
			continue
		}
		trimmed := strings.TrimSpace(line)
		if entry > 0 && strings.HasPrefix(trimmed, "kernel_path:") {
			image := filepath.Base(strings.TrimSpace(strings.TrimPrefix(trimmed, "kernel_path:")))
			if image == "vmlinuz-"+pkgbase && target == 0 {
				target = entry
			}
		}
	}
	if target == 0 {
		return reconcile.NotFound, fmt.Sprintf("no entry boots vmlinuz-%s", pkgbase), nil
	}

	want := fmt.Sprintf("default_entry: %d", target)
	replaced := false
	for i, line := range lines {
		if strings.HasPrefix(line, "/") {
			break
		}
		if strings.HasPrefix(strings.TrimSpace(line), "default_entry:") {
			if strings.TrimSpace(line) == want {
				return reconcile.Unchanged, fmt.Sprintf("default entry already %d", target), nil
			}
			lines[i] = want
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append([]string{want}, lines...)
	}
	if err := writeConfig(path, []byte(strings.Join(lines, "\n"))); err != nil {
		return reconcile.Unknown, "", err
	}
	if err := a.regenerate(ctx); err != nil {
		return reconcile.Unknown, "", err
	}
	return reconcile.Changed, fmt.Sprintf("default entry set to %d (%s)", target, pkgbase), nil
}

// regenerate reinstalls limine so the edited config is picked up by the ESP
// copy. A written config that has not been redeployed is not durable.
func (a *limineAdapter) regenerate(ctx context.Context) error {
	if err := a.runner.Run(ctx, "limine-update"); err != nil {
		return fmt.Errorf("limine-update: %w", err)
	}
	return nil
}
