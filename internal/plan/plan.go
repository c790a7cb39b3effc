// Package plan compares observed system facts to a target spec and emits
// the delta of reconciliation actions. Only components whose observed state
// differs from the target (or whose state the probe could not determine)
// contribute actions; an absent fact always means "assume change needed".
package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/warren/internal/facts"
	"github.com/jbweber/homelab/warren/internal/reconcile"
	"github.com/jbweber/homelab/warren/internal/target"
)

// BootAdapter is the planner's view of a bootloader adapter.
type BootAdapter interface {
	EnsureCmdlineTokens(ctx context.Context, tokens []string) (reconcile.Outcome, string, error)
}

// ModuleEnsurer reconciles the kernel module package.
type ModuleEnsurer interface {
	Ensure(ctx context.Context) (reconcile.Outcome, string, error)
}

// TunnelEnsurer reconciles the tunnel, its ingress config and DNS records.
type TunnelEnsurer interface {
	EnsureTunnel(ctx context.Context) (reconcile.Outcome, string, error)
	WriteIngress(ctx context.Context) (reconcile.Outcome, string, error)
	ReconcileDNS(ctx context.Context, hostname string) (reconcile.Outcome, string, error)
}

// GuestEnsurer reconciles the guest domain definition.
type GuestEnsurer interface {
	EnsureDefined(ctx context.Context) (reconcile.Outcome, string, error)
	AttachDevices(ctx context.Context) (reconcile.Outcome, string, error)
	EnsureAutostart(ctx context.Context) (reconcile.Outcome, string, error)
}

// Reconcilers carries the concrete reconcilers wired for one run. Boot may
// be nil when the bootloader is unsupported; the plan then reports it
// instead of failing the unrelated reconcilers.
type Reconcilers struct {
	Boot   BootAdapter
	Module ModuleEnsurer
	Tunnel TunnelEnsurer
	Guest  GuestEnsurer
}

// Compute builds the ordered action delta for one run. Order matters and is
// fixed: boot config first, then module state (which may pin a boot entry),
// then tunnel and DNS, then the guest domain, which depends on everything
// before it being durable.
func Compute(f facts.SystemFacts, spec *target.TargetSpec, r Reconcilers) reconcile.Delta {
	var delta reconcile.Delta

	if len(spec.CmdlineTokens) > 0 {
		missing := f.MissingTokens(spec.CmdlineTokens)
		unknown := len(f.CmdlineTokens) == 0
		if len(missing) > 0 || unknown {
			tokens := spec.CmdlineTokens
			if r.Boot == nil {
				delta.Actions = append(delta.Actions, reconcile.Action{
					Component: "boot",
					Name:      "ensure cmdline tokens",
					Run: func(ctx context.Context) (reconcile.Outcome, string, error) {
						return reconcile.Unsupported,
							fmt.Sprintf("unrecognized bootloader; add %q to the kernel cmdline manually", strings.Join(tokens, " ")),
							nil
					},
				})
			} else {
				delta.Actions = append(delta.Actions, reconcile.Action{
					Component: "boot",
					Name:      "ensure cmdline tokens",
					Run: func(ctx context.Context) (reconcile.Outcome, string, error) {
						return r.Boot.EnsureCmdlineTokens(ctx, tokens)
					},
				})
			}
		}
	}

	if spec.Module != nil && r.Module != nil && f.ModuleState != facts.ModuleMatchingKernel {
		delta.Actions = append(delta.Actions, reconcile.Action{
			Component: "kmod",
			Name:      "ensure module " + spec.Module.Package,
			Run:       r.Module.Ensure,
		})
	}

	if spec.Tunnel != nil && r.Tunnel != nil {
		if f.TunnelID == "" {
			delta.Actions = append(delta.Actions, reconcile.Action{
				Component: "tunnel",
				Name:      "ensure tunnel " + spec.Tunnel.Name,
				Run:       r.Tunnel.EnsureTunnel,
			})
		}
		// ingress file content and remote DNS state are not part of the
		// facts snapshot, so both are always planned; the actions report
		// Unchanged when nothing needs doing
		delta.Actions = append(delta.Actions, reconcile.Action{
			Component: "tunnel",
			Name:      "write ingress config",
			Run:       r.Tunnel.WriteIngress,
		})
		for _, route := range spec.Tunnel.Routes {
			if route.Hostname == "" {
				continue
			}
			hostname := route.Hostname
			delta.Actions = append(delta.Actions, reconcile.Action{
				Component: "tunnel",
				Name:      "reconcile dns " + hostname,
				Run: func(ctx context.Context) (reconcile.Outcome, string, error) {
					return r.Tunnel.ReconcileDNS(ctx, hostname)
				},
			})
		}
	}

	if spec.Domain != nil && r.Guest != nil {
		if !f.DomainDefined {
			delta.Actions = append(delta.Actions, reconcile.Action{
				Component: "guest",
				Name:      "ensure domain " + spec.Domain.Name,
				Run:       r.Guest.EnsureDefined,
			})
		}
		if len(spec.Domain.Devices) > 0 {
			delta.Actions = append(delta.Actions, reconcile.Action{
				Component: "guest",
				Name:      "attach devices",
				Run:       r.Guest.AttachDevices,
			})
		}
		delta.Actions = append(delta.Actions, reconcile.Action{
			Component: "guest",
			Name:      "ensure autostart",
			Run:       r.Guest.EnsureAutostart,
		})
	}

	return delta
}
