// Package kmod ensures a DKMS-built kernel module package is installed and
// usable with the kernel that will boot next. A module built for a kernel
// other than the running one is treated as a boot-default problem, not a
// rebuild problem: the compatible kernel is pinned as the default entry so
// the next boot lands where the module is valid.
package kmod

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/warren/internal/boot"
	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/facts"
	"github.com/jbweber/homelab/warren/internal/reconcile"
)

// Reconciler drives one module package through
// NotInstalled -> InstalledWrongKernel -> InstalledMatchingKernel.
type Reconciler struct {
	Boot    boot.Adapter // nil when the bootloader is unsupported
	Runner  execx.Runner
	Facts   facts.SystemFacts
	Package string
	Log     *zap.SugaredLogger
}

// Ensure reconciles the module package. InstalledMatchingKernel is a
// terminal no-op; the other states install or pin as needed.
func (r *Reconciler) Ensure(ctx context.Context) (reconcile.Outcome, string, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	state := r.Facts.ModuleState
	builtFor := r.Facts.ModuleKernel

	if state == facts.ModuleNotInstalled {
		if err := r.install(ctx); err != nil {
			return reconcile.Unknown, "", err
		}
		log.Infow("module installed", "package", r.Package)
		var ok bool
		builtFor, ok = r.builtKernel(ctx)
		if !ok {
			return reconcile.Unknown, fmt.Sprintf("%s installed but dkms reports no installed build", r.Package), nil
		}
		if builtFor == r.Facts.KernelVersion {
			return reconcile.Changed, fmt.Sprintf("%s installed for running kernel %s", r.Package, builtFor), nil
		}
		state = facts.ModuleWrongKernel
	}

	if state == facts.ModuleWrongKernel {
		return r.pin(ctx, builtFor)
	}

	return reconcile.Unchanged, fmt.Sprintf("%s already matches running kernel %s", r.Package, r.Facts.KernelVersion), nil
}

// pin makes the kernel the module was built for the default boot entry.
func (r *Reconciler) pin(ctx context.Context, builtFor string) (reconcile.Outcome, string, error) {
	if builtFor == "" {
		return reconcile.Unknown, fmt.Sprintf("%s installed for an undetermined kernel", r.Package), nil
	}
	if r.Boot == nil {
		return reconcile.Unsupported,
			fmt.Sprintf("%s is built for kernel %s; set the default boot entry manually", r.Package, builtFor),
			nil
	}
	outcome, detail, err := r.Boot.SetDefaultKernel(ctx, builtFor)
	if err != nil {
		return outcome, detail, fmt.Errorf("pinning kernel %s: %w", builtFor, err)
	}
	switch outcome {
	case reconcile.NotFound:
		return reconcile.NotFound, fmt.Sprintf("kernel %s has no boot entry: %s", builtFor, detail), nil
	case reconcile.Unchanged:
		return reconcile.Unchanged, fmt.Sprintf("default entry already boots kernel %s", builtFor), nil
	default:
		return reconcile.Changed, fmt.Sprintf("pinned kernel %s as default: %s", builtFor, detail), nil
	}
}

// builtKernel re-queries dkms after an install to learn which kernel the
// build targeted.
func (r *Reconciler) builtKernel(ctx context.Context) (string, bool) {
	out, err := r.Runner.Output(ctx, "dkms", "status", r.Package)
	if err != nil {
		return "", false
	}
	_, kernel, ok := facts.ParseDKMSStatus(out, r.Package)
	return kernel, ok
}

// install uses the platform's native package path. Unknown platforms are an
// unsupported backend, reported through the returned error so the run
// continues with the other reconcilers.
func (r *Reconciler) install(ctx context.Context) error {
	switch r.Facts.OSFamily {
	case "arch":
		if err := r.Runner.Run(ctx, "pacman", "-S", "--needed", "--noconfirm", r.Package); err == nil {
			return nil
		}
		// not in the repos; fall back to the AUR helper
		if err := r.Runner.Run(ctx, "paru", "-S", "--needed", "--noconfirm", r.Package); err != nil {
			return fmt.Errorf("installing %s from AUR: %w", r.Package, err)
		}
		return nil
	case "debian":
		if err := r.Runner.Run(ctx, "apt-get", "install", "-y", r.Package); err != nil {
			return fmt.Errorf("installing %s: %w", r.Package, err)
		}
		return nil
	case "fedora", "rhel":
		if err := r.Runner.Run(ctx, "dnf", "install", "-y", r.Package); err != nil {
			return fmt.Errorf("installing %s: %w", r.Package, err)
		}
		return nil
	default:
		return fmt.Errorf("no package backend for OS family %q: %w", r.Facts.OSFamily, reconcile.ErrUnsupportedBackend)
	}
}
