package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/warren/internal/reconcile"
	"github.com/jbweber/homelab/warren/internal/target"
)

// API is the slice of the provider API the reconciler consumes. *Client
// satisfies it; tests inject a fake.
type API interface {
	FindZone(ctx context.Context, name string) (Zone, error)
	FindTunnelID(ctx context.Context, name string) (string, error)
	CreateTunnel(ctx context.Context, name string) (Tunnel, error)
	FindRecord(ctx context.Context, zoneID, hostname string) (*DNSRecord, error)
	CreateRecord(ctx context.Context, zoneID string, rec DNSRecord) (DNSRecord, error)
	UpdateRecord(ctx context.Context, zoneID, recordID string, rec DNSRecord) error
}

// Resolver performs live DNS lookups, used only when the provider API
// cannot answer. *net.Resolver satisfies it.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
}

// Reconciler converges one named tunnel, its ingress config and its DNS
// records. All operations are independently idempotent.
type Reconciler struct {
	API       API
	Target    target.TunnelTarget
	ConfigDir string // where ingress config and credentials are written
	Resolver  Resolver
	Overwrite bool // overwrite DNS records pointing at a different tunnel
	Log       *zap.SugaredLogger

	tunnelID string // resolved by EnsureTunnel, required by the other ops
	creds    string // credentials blob, set only when the tunnel was created
	zoneID   string // resolved lazily, cached for the run
}

// TunnelID returns the resolved tunnel ID, empty before EnsureTunnel ran.
func (r *Reconciler) TunnelID() string { return r.tunnelID }

// SeedTunnelID primes the reconciler with an ID the prober already
// resolved, so ingress and DNS work can proceed without an EnsureTunnel
// action in the plan.
func (r *Reconciler) SeedTunnelID(id string) { r.tunnelID = id }

// CredentialsBlob returns the opaque credentials blob captured at creation
// time, empty when the tunnel already existed. Never logged.
func (r *Reconciler) CredentialsBlob() string { return r.creds }

// EnsureTunnel resolves the tunnel name to an ID, creating the tunnel only
// when no live tunnel has the name. A name maps to at most one tunnel, so
// a second call always resolves to the same ID.
func (r *Reconciler) EnsureTunnel(ctx context.Context) (reconcile.Outcome, string, error) {
	id, err := r.API.FindTunnelID(ctx, r.Target.Name)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("listing tunnels: %w", err)
	}
	if id != "" {
		r.tunnelID = id
		return reconcile.Unchanged, fmt.Sprintf("tunnel %q exists (%s)", r.Target.Name, id), nil
	}
	created, err := r.API.CreateTunnel(ctx, r.Target.Name)
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("creating tunnel %q: %w", r.Target.Name, err)
	}
	r.tunnelID = created.ID
	r.creds = created.CredentialsBlob()
	if err := r.writeCredentials(created); err != nil {
		return reconcile.Unknown, "", err
	}
	// the listing endpoint is eventually consistent; confirm the new tunnel
	// is visible before DNS records point at its ID
	err = reconcile.Wait(ctx, 5, 2*time.Second, func(ctx context.Context) (bool, error) {
		id, err := r.API.FindTunnelID(ctx, r.Target.Name)
		if err != nil {
			return false, nil
		}
		return id != "", nil
	})
	if err != nil {
		return reconcile.Unknown, "", fmt.Errorf("tunnel %q created but not yet listed: %w", r.Target.Name, err)
	}
	return reconcile.Changed, fmt.Sprintf("tunnel %q created (%s)", r.Target.Name, created.ID), nil
}

// writeCredentials persists the credential file the tunnel client reads.
// Only possible at creation time; the provider never returns the secret
// again.
func (r *Reconciler) writeCredentials(t Tunnel) error {
	if err := os.MkdirAll(r.ConfigDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %v: %w", r.ConfigDir, err, reconcile.ErrFatal)
	}
	path := r.credentialsPath(t.ID)
	raw, err := decodeBlob(t.CredentialsBlob())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("writing credentials: %v: %w", err, reconcile.ErrFatal)
	}
	return nil
}

func (r *Reconciler) credentialsPath(tunnelID string) string {
	return filepath.Join(r.ConfigDir, tunnelID+".json")
}

// ReconcileDNS converges the record for one route hostname. The outcome is
// four-way: Changed (created or, with Overwrite, updated), Unchanged
// (already correct), Conflict (points at something else; left untouched)
// or Unknown (state could not be determined).
func (r *Reconciler) ReconcileDNS(ctx context.Context, hostname string) (reconcile.Outcome, string, error) {
	if r.tunnelID == "" {
		return reconcile.Unknown, "", fmt.Errorf("tunnel ID not resolved before DNS reconciliation")
	}
	expected := r.tunnelID + "." + RoutingDomain

	if r.zoneID == "" {
		zone, err := r.API.FindZone(ctx, r.Target.Zone)
		if err != nil {
			return r.lookupFallback(ctx, hostname, expected, err)
		}
		r.zoneID = zone.ID
	}

	rec, err := r.API.FindRecord(ctx, r.zoneID, hostname)
	if err != nil {
		return r.lookupFallback(ctx, hostname, expected, err)
	}
	if rec == nil {
		_, err := r.API.CreateRecord(ctx, r.zoneID, DNSRecord{
			Type:    "CNAME",
			Name:    hostname,
			Content: expected,
			Proxied: true,
		})
		if err != nil {
			return reconcile.Unknown, "", fmt.Errorf("creating record for %s: %w", hostname, err)
		}
		return reconcile.Changed, fmt.Sprintf("created %s -> %s", hostname, expected), nil
	}
	if rec.Content == expected {
		return reconcile.Unchanged, fmt.Sprintf("%s already points at %s", hostname, expected), nil
	}
	if r.Overwrite {
		update := *rec
		update.Type = "CNAME"
		update.Content = expected
		update.Proxied = true
		if err := r.API.UpdateRecord(ctx, r.zoneID, rec.ID, update); err != nil {
			return reconcile.Unknown, "", fmt.Errorf("updating record for %s: %w", hostname, err)
		}
		return reconcile.Changed, fmt.Sprintf("updated %s from %s to %s", hostname, rec.Content, expected), nil
	}
	// An existing record may belong to an unrelated, working service;
	// surfacing the conflict beats breaking it.
	return reconcile.Conflict,
		fmt.Sprintf("%s points at %s, expected %s; left untouched", hostname, rec.Content, expected),
		nil
}

// lookupFallback classifies a hostname via live DNS when the provider API
// failed. A record that is not yet visible is Unknown, not AlreadyCorrect
// and not Conflict: propagation delay must not be mistaken for either.
func (r *Reconciler) lookupFallback(ctx context.Context, hostname, expected string, apiErr error) (reconcile.Outcome, string, error) {
	if r.Resolver == nil {
		return reconcile.Unknown, "", fmt.Errorf("dns state for %s unknown: %w", hostname, apiErr)
	}
	cname, err := r.Resolver.LookupCNAME(ctx, hostname)
	if err != nil {
		return reconcile.Unknown, fmt.Sprintf("%s not resolvable yet (api: %v)", hostname, apiErr), nil
	}
	cname = strings.TrimSuffix(cname, ".")
	if cname == expected {
		return reconcile.Unchanged, fmt.Sprintf("%s resolves to %s (api unavailable)", hostname, expected), nil
	}
	return reconcile.Conflict,
		fmt.Sprintf("%s resolves to %s, expected %s; left untouched", hostname, cname, expected),
		nil
}
