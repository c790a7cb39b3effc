package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/homelab/warren/internal/reconcile"
	"github.com/jbweber/homelab/warren/internal/target"
)

// defaultCatchAll terminates the ingress list when the target declares no
// catch-all of its own. The tunnel client rejects a config without one.
const defaultCatchAll = "http_status:404"

type ingressConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// ConfigPath returns where the ingress config is written.
func (r *Reconciler) ConfigPath() string {
	return filepath.Join(r.ConfigDir, "config.yml")
}

// WriteIngress serializes the route list for the resolved tunnel. Hostname
// routes keep their declared order; the catch-all always lands last no
// matter where the target placed it. The file is only rewritten when its
// content would change, so an unchanged target never restarts the service.
func (r *Reconciler) WriteIngress(ctx context.Context) (reconcile.Outcome, string, error) {
	if r.tunnelID == "" {
		return reconcile.Unknown, "", fmt.Errorf("tunnel ID not resolved before ingress write")
	}

	cfg := ingressConfig{
		Tunnel:          r.tunnelID,
		CredentialsFile: r.credentialsPath(r.tunnelID),
	}
	catchAll := defaultCatchAll
	for _, route := range r.Target.Routes {
		if route.Hostname == "" {
			catchAll = route.Service
			continue
		}
		cfg.Ingress = append(cfg.Ingress, ingressRule{Hostname: route.Hostname, Service: route.Service})
	}
	cfg.Ingress = append(cfg.Ingress, ingressRule{Service: catchAll})

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("encoding ingress config: %w", err)
	}

	path := r.ConfigPath()
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, out) {
		return reconcile.Unchanged, "ingress config already up to date", nil
	}
	if err := os.MkdirAll(r.ConfigDir, 0700); err != nil {
		return reconcile.Unknown, "", fmt.Errorf("creating %s: %v: %w", r.ConfigDir, err, reconcile.ErrFatal)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return reconcile.Unknown, "", fmt.Errorf("writing ingress config: %v: %w", err, reconcile.ErrFatal)
	}
	return reconcile.Changed, fmt.Sprintf("wrote %d ingress rules", len(cfg.Ingress)), nil
}

// Routes returns the hostname routes the target declares, in order,
// excluding the catch-all. Used by the planner to enumerate DNS work.
func Routes(t target.TunnelTarget) []target.Route {
	var out []target.Route
	for _, route := range t.Routes {
		if route.Hostname != "" {
			out = append(out, route)
		}
	}
	return out
}
