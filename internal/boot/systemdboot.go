package boot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/reconcile"
)

// systemdBootAdapter edits loader entries under boot/loader/entries. The
// loader reads entry files directly at boot, so a cmdline edit is durable
// as soon as it is written; the default entry additionally goes through
// bootctl so the EFI variable agrees with loader.conf.
type systemdBootAdapter struct {
	root   string
	runner execx.Runner
}

func (a *systemdBootAdapter) Kind() Kind { return KindSystemdBoot }

func (a *systemdBootAdapter) entriesDir() string {
	return filepath.Join(a.root, "boot/loader/entries")
}

func (a *systemdBootAdapter) loaderConf() string {
	return filepath.Join(a.root, "boot/loader/loader.conf")
}

// entryFiles lists entry configs in name order so behavior is deterministic.
func (a *systemdBootAdapter) entryFiles() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(a.entriesDir(), "*.conf"))
	if err != nil {
		return nil, fmt.Errorf("listing loader entries: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// entryField returns the value of a loader entry key, e.g. "options".
func entryField(content, key string) (string, int) {
	for i, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 1 && fields[0] == key {
			return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), key)), i
		}
	}
	return "", -1
}

// EnsureCmdlineTokens patches the options line of every loader entry. Every
// entry is patched, not just the default one; a token missing from a
// non-default entry would surface only when that entry is booted.
func (a *systemdBootAdapter) EnsureCmdlineTokens(ctx context.Context, tokens []string) (reconcile.Outcome, string, error) {
	files, err := a.entryFiles()
	if err != nil {
		return reconcile.Unknown, "", err
	}
	if len(files) == 0 {
		return reconcile.NotFound, "no loader entries found", nil
	}
	patched := 0
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return reconcile.Unknown, "", fmt.Errorf("reading %s: %v: %w", file, err, reconcile.ErrFatal)
		}
		content := string(b)
		options, idx := entryField(content, "options")
		missing := missingTokens(options, tokens)
		if len(missing) == 0 && idx != -1 {
			continue
		}
		lines := strings.Split(content, "\n")
		line := "options " + appendTokens(options, missing)
		if idx == -1 {
			lines = append(lines, line)
		} else {
			lines[idx] = line
		}
		if err := writeConfig(file, []byte(strings.Join(lines, "\n"))); err != nil {
			return reconcile.Unknown, "", err
		}
		patched++
	}
	if patched == 0 {
		return reconcile.Unchanged, "all entries already carry the required tokens", nil
	}
	return reconcile.Changed, fmt.Sprintf("patched %d of %d entries", patched, len(files)), nil
}

// SetDefaultKernel points loader.conf's default at the entry booting the
// given kernel version and clears @saved mode, which would otherwise
// restore the last booted entry over the explicit default.
func (a *systemdBootAdapter) SetDefaultKernel(ctx context.Context, version string) (reconcile.Outcome, string, error) {
	entry, err := a.findEntry(version)
	if err != nil {
		return reconcile.Unknown, "", err
	}
	if entry == "" {
		return reconcile.NotFound, fmt.Sprintf("no loader entry for kernel %s", version), nil
	}

	b, err := os.ReadFile(a.loaderConf())
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("reading %s: %v: %w", a.loaderConf(), err, reconcile.ErrFatal)
	}
	content := string(b)
	current, idx := entryField(content, "default")
	if current == entry {
		return reconcile.Unchanged, fmt.Sprintf("default already %s", entry), nil
	}
	lines := strings.Split(content, "\n")
	line := "default " + entry
	if idx == -1 {
		lines = append(lines, line)
	} else {
		lines[idx] = line
	}
	if err := writeConfig(a.loaderConf(), []byte(strings.Join(lines, "\n"))); err != nil {
		return reconcile.Unknown, "", err
	}
	if err := a.runner.Run(ctx, "bootctl", "set-default", entry); err != nil {
		return reconcile.Unknown, "", fmt.Errorf("bootctl set-default: %w", err)
	}
	return reconcile.Changed, fmt.Sprintf("default set to %s", entry), nil
}

// findEntry returns the filename of the entry booting the given kernel
// version, matching the version field first and the kernel image name as a
// fallback.
func (a *systemdBootAdapter) findEntry(version string) (string, error) {
	files, err := a.entryFiles()
	if err != nil {
		return "", err
	}
	pkgbase, pkgErr := kernelPkgbase(a.root, version)
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		content := string(b)
		if v, _ := entryField(content, "version"); v == version {
			return filepath.Base(file), nil
		}
		if pkgErr == nil {
			if linux, _ := entryField(content, "linux"); filepath.Base(linux) == "vmlinuz-"+pkgbase {
				return filepath.Base(file), nil
			}
		}
	}
	return "", nil
}
