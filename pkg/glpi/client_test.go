package glpi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/inventory"
)

func TestSanitizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                           "",
		" https://glpi/apirest.php ": "https://glpi/apirest.php",
		"https://glpi/api.php":       "https://glpi/api.php",
		"https://glpi/api.php/v2.1/": "https://glpi/api.php/v2.1",
	}
	for raw, want := range cases {
		if got := sanitizeBaseURL(raw); got != want {
			t.Fatalf("sanitizeBaseURL(%q)=%q want %q", raw, got, want)
		}
	}
}

func TestOAuthTokenURL(t *testing.T) {
	cases := map[string]string{
		"https://glpi/api.php":      "https://glpi/api.php/token",
		"https://glpi/api.php/v2.1": "https://glpi/api.php/token",
	}
	for raw, want := range cases {
		got, err := oauthTokenURL(raw)
		if err != nil {
			t.Fatalf("oauthTokenURL(%q) unexpected error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("oauthTokenURL(%q)=%q want %q", raw, got, want)
		}
	}
	if _, err := oauthTokenURL("https://glpi/apirest.php"); err == nil {
		t.Fatalf("expected error for legacy endpoint")
	}
}

func TestMirrorDeviceLegacySessionRenews(t *testing.T) {
	var sessions, posts atomic.Int32
	var got Asset
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apirest.php/initSession":
			if r.Header.Get("Authorization") != "user_token ut" || r.Header.Get("App-Token") != "at" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			n := sessions.Add(1)
			json.NewEncoder(w).Encode(map[string]string{"session_token": "tok" + string(rune('0'+n))})
		case "/apirest.php/inventory":
			posts.Add(1)
			if r.Header.Get("Session-Token") != "tok2" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusCreated)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(config.GLPIConfig{BaseURL: srv.URL + "/apirest.php/", AppToken: "at", UserToken: "ut"})
	rec := inventory.DeviceRecord{Hostname: "web01", SerialNumber: "CZ1", OSType: "Linux", DeviceType: "virtual machine"}
	if err := c.MirrorDevice(context.Background(), rec); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if sessions.Load() != 2 || posts.Load() != 2 {
		t.Fatalf("sessions=%d posts=%d", sessions.Load(), posts.Load())
	}
	if got.Name != "web01" || got.Serial != "CZ1" || got.OSName != "Linux" || got.Type != "virtual machine" {
		t.Fatalf("unexpected asset %+v", got)
	}
}

func TestMirrorDeviceOAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api.php/token":
			r.ParseForm()
			if r.Form.Get("grant_type") != "password" || r.Form.Get("client_id") != "cid" || r.Form.Get("scope") != "api" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"access_token": "bearer-tok", "token_type": "Bearer", "expires_in": 600})
		case "/api.php/v2.1/inventory":
			if r.Header.Get("Authorization") != "Bearer bearer-tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(config.GLPIConfig{
		BaseURL: srv.URL + "/api.php/v2.1",
		OAuth:   &config.GLPIOAuthConfig{ClientID: "cid", ClientSecret: "secret", Username: "glpi", Password: "pw"},
	})
	if err := c.MirrorDevice(context.Background(), inventory.DeviceRecord{Hostname: "h1"}); err != nil {
		t.Fatalf("mirror: %v", err)
	}
}

func TestMirrorDeviceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/apirest.php/initSession" {
			json.NewEncoder(w).Encode(map[string]string{"session_token": "tok"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := NewClient(config.GLPIConfig{BaseURL: srv.URL + "/apirest.php", UserToken: "ut"})
	if err := c.MirrorDevice(context.Background(), inventory.DeviceRecord{Hostname: "h1"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := NewClient(config.GLPIConfig{}).MirrorDevice(context.Background(), inventory.DeviceRecord{}); err == nil {
		t.Fatalf("expected error without base url")
	}
}
