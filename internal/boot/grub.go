package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/reconcile"
)

// grubAdapter edits /etc/default/grub and regenerates grub.cfg. Tokens are
// written into GRUB_CMDLINE_LINUX rather than GRUB_CMDLINE_LINUX_DEFAULT
// because only the former reaches every generated entry, including fallback
// and recovery ones.
type grubAdapter struct {
	root   string
	runner execx.Runner
}

func (a *grubAdapter) Kind() Kind { return KindGrub }

func (a *grubAdapter) defaultsPath() string {
	return filepath.Join(a.root, "etc/default/grub")
}

func (a *grubAdapter) cfgPath() string {
	return filepath.Join(a.root, "boot/grub/grub.cfg")
}

var grubVarRe = regexp.MustCompile(`^([A-Z_]+)=("?)(.*?)("?)\s*$`)

// grubVar extracts the value of a variable from /etc/default/grub lines,
// returning the line index or -1.
func grubVar(lines []string, name string) (string, int) {
	for i, line := range lines {
		m := grubVarRe.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil && m[1] == name {
			return strings.Trim(m[3], `"'`), i
		}
	}
	return "", -1
}

// EnsureCmdlineTokens appends missing tokens to GRUB_CMDLINE_LINUX and
// regenerates grub.cfg.
func (a *grubAdapter) EnsureCmdlineTokens(ctx context.Context, tokens []string) (reconcile.Outcome, string, error) {
	b, err := os.ReadFile(a.defaultsPath())
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading %s: %v: %w", a.defaultsPath(), err, reconcile.ErrFatal)
	}
	lines := strings.Split(string(b), "\n")

	current, idx := grubVar(lines, "GRUB_CMDLINE_LINUX")
	missing := missingTokens(current, tokens)
	if len(missing) == 0 && idx != -1 {
		return reconcile.Unchanged, "GRUB_CMDLINE_LINUX already carries the required tokens", nil
	}
	line := fmt.Sprintf(`GRUB_CMDLINE_LINUX="%s"`, appendTokens(current, missing))
	if idx == -1 {
		lines = append(lines, line)
	} else {
		lines[idx] = line
	}
	if err := writeConfig(a.defaultsPath(), []byte(strings.Join(lines, "\n"))); err != nil {
		return reconcile.Unknown, "", err
	}
	if err := a.regenerate(ctx); err != nil {
		return reconcile.Unknown, "", err
	}
	return reconcile.Changed, fmt.Sprintf("appended %s", strings.Join(missing, " ")), nil
}

var (
	grubSubmenuRe   = regexp.MustCompile(`^\s*submenu\s+'([^']+)'`)
	grubMenuentryRe = regexp.MustCompile(`^\s*menuentry\s+'([^']+)'`)
)

// SetDefaultKernel sets GRUB_DEFAULT to the submenu>entry path of the entry
// booting the given kernel version and regenerates grub.cfg. Saved-default
// mode is disabled at the same time: GRUB_SAVEDEFAULT silently overrides an
// explicit GRUB_DEFAULT on the next boot, which is exactly the failure this
// operation exists to prevent.
func (a *grubAdapter) SetDefaultKernel(ctx context.Context, version string) (reconcile.Outcome, string, error) {
	pkgbase, err := kernelPkgbase(a.root, version)
	if err != nil {
		return reconcile.NotFound, "", err
	}
	entryID, err := a.findEntry(pkgbase)
	if err != nil {
		return reconcile.Unknown, "", err
	}
	if entryID == "" {
		return reconcile.NotFound, fmt.Sprintf("no grub entry for kernel %s (%s)", version, pkgbase), nil
	}

	b, err := os.ReadFile(a.defaultsPath())
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading %s: %v: %w", a.defaultsPath(), err, reconcile.ErrFatal)
	}
	lines := strings.Split(string(b), "\n")

	changed := false
	current, idx := grubVar(lines, "GRUB_DEFAULT")
	if current != entryID {
		line := fmt.Sprintf(`GRUB_DEFAULT="%s"`, entryID)
		if idx == -1 {
			lines = append(lines, line)
		} else {
			lines[idx] = line
		}
		changed = true
	}
	if saved, sidx := grubVar(lines, "GRUB_SAVEDEFAULT"); sidx != -1 && saved != "false" {
		lines[sidx] = `GRUB_SAVEDEFAULT="false"`
		changed = true
	}
	if !changed {
		return reconcile.Unchanged, fmt.Sprintf("default already %q", entryID), nil
	}
	if err := writeConfig(a.defaultsPath(), []byte(strings.Join(lines, "\n"))); err != nil {
		return reconcile.Unknown, "", err
	}
	if err := a.regenerate(ctx); err != nil {
		return reconcile.Unknown, "", err
	}
	return reconcile.Changed, fmt.Sprintf("default set to %q", entryID), nil
}

// findEntry scans the generated grub.cfg for the menu path of the entry
// booting the given pkgbase. Fallback-initramfs entries are skipped.
func (a *grubAdapter) findEntry(pkgbase string) (string, error) {
	b, err := os.ReadFile(a.cfgPath())
	if err != nil {
		return "", fmt.Errorf("reading %s: %v: %w", a.cfgPath(), err, reconcile.ErrFatal)
	}
	submenu := ""
	for _, line := range strings.Split(string(b), "\n") {
		if m := grubSubmenuRe.FindStringSubmatch(line); m != nil {
			submenu = m[1]
			continue
		}
		m := grubMenuentryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := m[1]
		if !strings.HasSuffix(title, "with Linux "+pkgbase) {
			continue
		}
		if submenu != "" {
			return submenu + ">" + title, nil
		}
		return title, nil
	}
	return "", nil
}

func (a *grubAdapter) regenerate(ctx context.Context) error {
	if err := a.runner.Run(ctx, "grub-mkconfig", "-o", a.cfgPath()); err != nil {
		return fmt.Errorf("grub-mkconfig: %w", err)
	}
	return nil
}
