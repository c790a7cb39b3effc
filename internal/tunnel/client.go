package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jbweber/homelab/warren/internal/reconcile"
)

// RoutingDomain is the provider domain tunnel DNS records must point at:
// a hostname is live only when it is a CNAME to <tunnel-id>.RoutingDomain.
const RoutingDomain = "cfargotunnel.com"

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Client is a minimal Cloudflare API client covering zones, tunnels and
// DNS records. All calls authenticate with a bearer token.
type Client struct {
	BaseURL   string
	AccountID string
	Token     string
	HTTP      *http.Client
}

// NewClient returns a client against the production API.
func NewClient(accountID, token string) *Client {
	return &Client{
		BaseURL:   defaultBaseURL,
		AccountID: accountID,
		Token:     token,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Zone is one DNS zone in the account.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tunnel is a named tunnel. Credentials are only present on the Tunnel
// returned by CreateTunnel; they cannot be fetched again later.
type Tunnel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	credentials []byte
}

// CredentialsBlob returns the tunnel's credential material as an opaque
// base64 blob suitable for transport to the host that runs the tunnel
// client. Empty for tunnels that already existed. Never log this value.
func (t Tunnel) CredentialsBlob() string {
	if len(t.credentials) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(t.credentials)
}

// DNSRecord is one record in a zone.
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one API call and decodes the result envelope. Network errors
// and server-side failures are transient; a successful response with
// success=false is not.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewBuffer(b)
	} else {
		reqBody = &bytes.Buffer{}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", method, path, err, reconcile.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, reconcile.ErrTransient)
	}
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	if !env.Success {
		msg := "unknown error"
		if len(env.Errors) > 0 {
			msg = fmt.Sprintf("%d %s", env.Errors[0].Code, env.Errors[0].Message)
		}
		return fmt.Errorf("%s %s: api error: %s", method, path, msg)
	}
	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("%s %s: decoding result: %w", method, path, err)
		}
	}
	return nil
}

// ListZones returns all zones visible to the token.
func (c *Client) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone
	if err := c.do(ctx, http.MethodGet, "/zones", nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// FindZone resolves a zone name to its ID.
func (c *Client) FindZone(ctx context.Context, name string) (Zone, error) {
	zones, err := c.ListZones(ctx)
	if err != nil {
		return Zone{}, err
	}
	for _, z := range zones {
		if z.Name == name {
			return z, nil
		}
	}
	return Zone{}, fmt.Errorf("zone %q not found in account", name)
}

// FindTunnelID resolves a tunnel name to its ID, returning an empty string
// when no live tunnel has that name.
func (c *Client) FindTunnelID(ctx context.Context, name string) (string, error) {
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel?name=%s&is_deleted=false", c.AccountID, url.QueryEscape(name))
	var tunnels []Tunnel
	if err := c.do(ctx, http.MethodGet, path, nil, &tunnels); err != nil {
		return "", err
	}
	if len(tunnels) == 0 {
		return "", nil
	}
	return tunnels[0].ID, nil
}

// CreateTunnel creates a named tunnel with a locally generated secret. The
// returned Tunnel carries the only copy of the credential material.
func (c *Client) CreateTunnel(ctx context.Context, name string) (Tunnel, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Tunnel{}, fmt.Errorf("generating tunnel secret: %w", err)
	}
	secretB64 := base64.StdEncoding.EncodeToString(secret)

	body := map[string]string{
		"name":          name,
		"tunnel_secret": secretB64,
		"config_src":    "local",
	}
	var created Tunnel
	path := fmt.Sprintf("/accounts/%s/cfd_tunnel", c.AccountID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return Tunnel{}, err
	}

	creds, err := json.Marshal(map[string]string{
		"AccountTag":   c.AccountID,
		"TunnelID":     created.ID,
		"TunnelSecret": secretB64,
	})
	if err != nil {
		return Tunnel{}, fmt.Errorf("encoding credentials: %w", err)
	}
	created.credentials = creds
	return created, nil
}

// FindRecord returns the record for a hostname, or nil when none exists.
// Reconciliation depends on this lookup being authoritative for the zone.
func (c *Client) FindRecord(ctx context.Context, zoneID, hostname string) (*DNSRecord, error) {
	path := fmt.Sprintf("/zones/%s/dns_records?name=%s", zoneID, url.QueryEscape(hostname))
	var records []DNSRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// CreateRecord creates a record in the zone.
func (c *Client) CreateRecord(ctx context.Context, zoneID string, rec DNSRecord) (DNSRecord, error) {
	var created DNSRecord
	path := fmt.Sprintf("/zones/%s/dns_records", zoneID)
	if err := c.do(ctx, http.MethodPost, path, rec, &created); err != nil {
		return DNSRecord{}, err
	}
	return created, nil
}

// UpdateRecord overwrites an existing record's target.
func (c *Client) UpdateRecord(ctx context.Context, zoneID, recordID string, rec DNSRecord) error {
	path := fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, recordID)
	return c.do(ctx, http.MethodPut, path, rec, nil)
}

// decodeBlob reverses CredentialsBlob.
func decodeBlob(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding credentials blob: %w", err)
	}
	return raw, nil
}
