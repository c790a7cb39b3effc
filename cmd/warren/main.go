//go:build !test

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/warren/internal/api"
	"github.com/jbweber/homelab/warren/internal/boot"
	"github.com/jbweber/homelab/warren/internal/config"
	"github.com/jbweber/homelab/warren/internal/execx"
	"github.com/jbweber/homelab/warren/internal/facts"
	"github.com/jbweber/homelab/warren/internal/guest"
	"github.com/jbweber/homelab/warren/internal/kmod"
	"github.com/jbweber/homelab/warren/internal/plan"
	"github.com/jbweber/homelab/warren/internal/reconcile"
	"github.com/jbweber/homelab/warren/internal/target"
	"github.com/jbweber/homelab/warren/internal/tunnel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	cfg        *config.Config
	log        *zap.SugaredLogger
	targetPath string
	overwrite  bool
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.NewConfig()}

	var verbose bool
	root := &cobra.Command{
		Use:           "warren",
		Short:         "idempotent workstation, guest and tunnel reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(verbose)
			if err != nil {
				return err
			}
			a.log = logger.Sugar()
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.cfg.Root, "root", a.cfg.Root, "filesystem root to reconcile against")
	root.PersistentFlags().StringVarP(&a.targetPath, "target", "t", "warren.yaml", "target spec file")

	root.AddCommand(a.probeCmd(), a.planCmd(), a.applyCmd(), a.historyCmd(), a.serveCmd())
	return root
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// wiring builds the prober and reconcilers for one run against the loaded
// target. Components without credentials or daemons available are left nil;
// the planner reports them instead of failing unrelated work.
type wiring struct {
	prober *facts.Prober
	query  facts.Query
	recs   plan.Reconcilers
}

func (a *app) wire(spec *target.TargetSpec) wiring {
	runner := execx.ExecRunner{}
	w := wiring{
		prober: &facts.Prober{Root: a.cfg.Root, Runner: runner, Log: a.log},
	}

	adapter, err := boot.New(a.cfg.Root, runner)
	if err != nil {
		a.log.Warnw("bootloader not supported", "error", err)
	} else {
		w.recs.Boot = adapter
	}

	if spec.Module != nil {
		w.query.ModulePackage = spec.Module.Package
	}

	if spec.Tunnel != nil {
		if a.cfg.APIToken == "" || a.cfg.AccountID == "" {
			a.log.Warnw("tunnel target declared but WARREN_CF_ACCOUNT/WARREN_CF_TOKEN unset; skipping tunnel reconciliation")
		} else {
			client := tunnel.NewClient(a.cfg.AccountID, a.cfg.APIToken)
			w.prober.Tunnels = client
			w.query.TunnelName = spec.Tunnel.Name
			w.recs.Tunnel = &tunnel.Reconciler{
				API:       client,
				Target:    *spec.Tunnel,
				ConfigDir: a.cfg.TunnelDir,
				Resolver:  net.DefaultResolver,
				Overwrite: a.overwrite,
				Log:       a.log,
			}
		}
	}

	if spec.Domain != nil {
		hv, err := guest.Connect()
		if err != nil {
			a.log.Warnw("libvirt unavailable; skipping domain reconciliation", "error", err)
		} else {
			rec := &guest.Reconciler{Hypervisor: hv, Target: *spec.Domain, Log: a.log}
			w.prober.Guests = rec
			w.query.DomainName = spec.Domain.Name
			w.recs.Guest = rec
		}
	}
	return w
}

// finishWiring fills in the pieces that depend on observed facts.
func (a *app) finishWiring(w *wiring, spec *target.TargetSpec, f facts.SystemFacts) {
	if spec.Module != nil {
		w.recs.Module = &kmod.Reconciler{
			Boot:    bootOrNil(w.recs.Boot),
			Runner:  execx.ExecRunner{},
			Facts:   f,
			Package: spec.Module.Package,
			Log:     a.log,
		}
	}
	if rec, ok := w.recs.Tunnel.(*tunnel.Reconciler); ok && f.TunnelID != "" {
		rec.SeedTunnelID(f.TunnelID)
	}
}

func bootOrNil(b plan.BootAdapter) boot.Adapter {
	if adapter, ok := b.(boot.Adapter); ok {
		return adapter
	}
	return nil
}

func (a *app) loadTarget() (*target.TargetSpec, error) {
	return target.Load(a.targetPath)
}

func (a *app) probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "observe the system and print the facts snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := a.loadTarget()
			if err != nil {
				return err
			}
			w := a.wire(spec)
			f := w.prober.Observe(cmd.Context(), w.query)
			return printJSON(cmd, f)
		},
	}
}

func (a *app) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "compute the delta between observed and target state",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := a.loadTarget()
			if err != nil {
				return err
			}
			w := a.wire(spec)
			f := w.prober.Observe(cmd.Context(), w.query)
			a.finishWiring(&w, spec, f)
			delta := plan.Compute(f, spec, w.recs)
			if delta.Empty() {
				cmd.Println("nothing to do")
				return nil
			}
			for _, action := range delta.Actions {
				cmd.Printf("%-8s %s\n", action.Component, action.Name)
			}
			return nil
		},
	}
}

func (a *app) applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "apply the delta between observed and target state",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := a.loadTarget()
			if err != nil {
				return err
			}
			w := a.wire(spec)
			f := w.prober.Observe(cmd.Context(), w.query)
			a.finishWiring(&w, spec, f)
			delta := plan.Compute(f, spec, w.recs)
			if delta.Empty() {
				cmd.Println("nothing to do")
				return nil
			}

			j, err := a.cfg.OpenJournal()
			var rec reconcile.Recorder
			if err != nil {
				a.log.Warnw("journal unavailable; run will not be recorded", "error", err)
			} else {
				defer j.Close()
				rec = j
			}

			report, fatalErr := reconcile.Apply(cmd.Context(), delta, rec, a.log)
			printReport(cmd, report)
			if fatalErr != nil {
				return fatalErr
			}
			if n := report.Unapplied(); n > 0 {
				// non-zero exit signals the delta was not fully applied
				if len(report.Conflicts()) > 0 {
					return fmt.Errorf("%d of %d actions left the target unmet: %w", n, len(report.Results), reconcile.ErrConfigConflict)
				}
				return fmt.Errorf("%d of %d actions left the target unmet", n, len(report.Results))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&a.overwrite, "overwrite-dns", false, "overwrite DNS records pointing at a different tunnel")
	return cmd
}

func printReport(cmd *cobra.Command, report reconcile.Report) {
	for _, res := range report.Results {
		line := fmt.Sprintf("%-8s %-28s %s", res.Component, res.Action, res.Outcome)
		if res.Detail != "" {
			line += ": " + res.Detail
		}
		if res.Err != "" {
			line += " (" + res.Err + ")"
		}
		cmd.Println(line)
	}
	if conflicts := report.Conflicts(); len(conflicts) > 0 {
		cmd.Println()
		cmd.Println("CONFLICTS requiring manual resolution:")
		for _, c := range conflicts {
			cmd.Printf("  %s: %s\n", c.Action, c.Detail)
		}
	}
}

func (a *app) historyCmd() *cobra.Command {
	var runID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "show recorded apply runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.cfg.OpenJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			if runID != 0 {
				run, err := j.GetRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				return printJSON(cmd, run)
			}
			runs, err := j.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			for _, run := range runs {
				cmd.Printf("%d\t%s\n", run.ID, run.StartedAt)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&runID, "id", 0, "show one run in detail")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := a.loadTarget()
			if err != nil {
				return err
			}
			j, err := a.cfg.OpenJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			w := a.wire(spec)
			r := chi.NewRouter()
			r.Use(middleware.Logger)
			r.Use(middleware.Recoverer)
			api.NewAPI(probeSource{w.prober, w.query}, j).RegisterRoutes(r)

			a.log.Infow("serving status API", "addr", a.cfg.ListenAddr)
			return http.ListenAndServe(a.cfg.ListenAddr, r)
		},
	}
}

// probeSource adapts the prober to the API's FactsSource.
type probeSource struct {
	prober *facts.Prober
	query  facts.Query
}

func (p probeSource) Snapshot(ctx context.Context) facts.SystemFacts {
	return p.prober.Observe(ctx, p.query)
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
