package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/warren/internal/reconcile"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		BaseURL:   srv.URL,
		AccountID: "acct-1",
		Token:     "test-token",
		HTTP:      srv.Client(),
	}
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(apiEnvelope{Success: true, Result: raw}))
}

func TestClient_FindZone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/zones", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeEnvelope(t, w, []Zone{
			{ID: "zone-1", Name: "example.com"},
			{ID: "zone-2", Name: "other.net"},
		})
	})

	zone, err := c.FindZone(context.Background(), "other.net")
	require.NoError(t, err)
	assert.Equal(t, "zone-2", zone.ID)

	_, err = c.FindZone(context.Background(), "missing.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in account")
}

func TestClient_FindTunnelID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-1/cfd_tunnel", r.URL.Path)
		assert.Equal(t, "homelab", r.URL.Query().Get("name"))
		assert.Equal(t, "false", r.URL.Query().Get("is_deleted"))
		writeEnvelope(t, w, []Tunnel{{ID: "tunnel-uuid", Name: "homelab"}})
	})

	id, err := c.FindTunnelID(context.Background(), "homelab")
	require.NoError(t, err)
	assert.Equal(t, "tunnel-uuid", id)
}

func TestClient_FindTunnelID_Absent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, []Tunnel{})
	})

	id, err := c.FindTunnelID(context.Background(), "homelab")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestClient_CreateTunnel(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts/acct-1/cfd_tunnel", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeEnvelope(t, w, Tunnel{ID: "tunnel-uuid", Name: gotBody["name"]})
	})

	created, err := c.CreateTunnel(context.Background(), "homelab")
	require.NoError(t, err)
	assert.Equal(t, "tunnel-uuid", created.ID)
	assert.Equal(t, "local", gotBody["config_src"])

	// secret is generated client-side and must round-trip into the blob
	secret, err := base64.StdEncoding.DecodeString(gotBody["tunnel_secret"])
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	raw, err := decodeBlob(created.CredentialsBlob())
	require.NoError(t, err)
	var creds map[string]string
	require.NoError(t, json.Unmarshal(raw, &creds))
	assert.Equal(t, "acct-1", creds["AccountTag"])
	assert.Equal(t, "tunnel-uuid", creds["TunnelID"])
	assert.Equal(t, gotBody["tunnel_secret"], creds["TunnelSecret"])
}

func TestClient_FindRecord(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/zones/zone-1/dns_records", r.URL.Path)
		if r.URL.Query().Get("name") == "nas.example.com" {
			writeEnvelope(t, w, []DNSRecord{{ID: "rec-1", Type: "CNAME", Name: "nas.example.com", Content: "x.cfargotunnel.com"}})
			return
		}
		writeEnvelope(t, w, []DNSRecord{})
	})

	rec, err := c.FindRecord(context.Background(), "zone-1", "nas.example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "rec-1", rec.ID)

	rec, err = c.FindRecord(context.Background(), "zone-1", "absent.example.com")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.ListZones(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrTransient)
}

func TestClient_APIErrorIsNotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(apiEnvelope{
			Success: false,
			Errors:  []apiError{{Code: 10000, Message: "authentication error"}},
		}))
	})

	_, err := c.ListZones(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, reconcile.ErrTransient)
	assert.Contains(t, err.Error(), "10000 authentication error")
}

func TestCredentialsBlob_EmptyForExistingTunnel(t *testing.T) {
	assert.Empty(t, Tunnel{ID: "tunnel-uuid"}.CredentialsBlob())
}

func TestDecodeBlob_Invalid(t *testing.T) {
	_, err := decodeBlob("not base64 !!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding credentials blob")
}
