package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nghyane/samba-mux/internal/config"
	"github.com/nghyane/samba-mux/internal/json"
)

// identityProvider is an httptest stand-in for the SambaNova cloud frontend
// and its Auth0 tenant, driving the full login exchange.
type identityProvider struct {
	server *httptest.Server

	failLogin      bool
	noRedirect     bool
	omitCookie     bool
	cookieLifetime time.Duration

	loginCalls int
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	ip := &identityProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]string{
			"clientId":      "client-123",
			"issuerBaseUrl": ip.server.URL,
			"redirectURL":   ip.server.URL + "/callback",
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/co/authenticate", func(w http.ResponseWriter, r *http.Request) {
		ip.loginCalls++
		if ip.failLogin {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload["realm"] != realmPasswordAuth || payload["username"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := json.Marshal(map[string]string{"login_ticket": "ticket-abc"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		if ip.noRedirect {
			w.WriteHeader(http.StatusOK)
			return
		}
		q := r.URL.Query()
		if q.Get("login_ticket") != "ticket-abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		redirect := q.Get("redirect_uri") + "?code=code-xyz&state=" + q.Get("state")
		http.Redirect(w, r, redirect, http.StatusFound)
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("code") != "code-xyz" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !ip.omitCookie {
			cookie := &http.Cookie{Name: "access_token", Value: "upstream-token-1", Path: "/"}
			if ip.cookieLifetime > 0 {
				cookie.Expires = time.Now().Add(ip.cookieLifetime)
			}
			http.SetCookie(w, cookie)
		}
		w.WriteHeader(http.StatusOK)
	})

	ip.server = httptest.NewServer(mux)
	t.Cleanup(ip.server.Close)
	return ip
}

func (ip *identityProvider) config(ttlSeconds int) config.SambaConfig {
	return config.SambaConfig{
		Email:             "user@example.com",
		Password:          "secret",
		ConfigURL:         ip.server.URL + "/api/config",
		TokenCacheSeconds: ttlSeconds,
		LoginMinInterval:  time.Millisecond,
	}
}

func TestSambaAcquirerFullFlow(t *testing.T) {
	ip := newIdentityProvider(t)
	acq := NewSambaAcquirer(ip.config(3600))

	cred, err := acq.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Token != "upstream-token-1" {
		t.Errorf("token = %q, want upstream-token-1", cred.Token)
	}
	if got := cred.Lifetime(); got < 59*time.Minute || got > time.Hour {
		t.Errorf("lifetime = %v, want ~1h ceiling", got)
	}
	if ip.loginCalls != 1 {
		t.Errorf("login calls = %d, want 1", ip.loginCalls)
	}
}

func TestSambaAcquirerClampsProviderLifetimeToCeiling(t *testing.T) {
	ip := newIdentityProvider(t)
	ip.cookieLifetime = 48 * time.Hour // provider reports two days

	acq := NewSambaAcquirer(ip.config(3600)) // ceiling one hour
	cred, err := acq.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.Lifetime(); got > time.Hour {
		t.Errorf("lifetime = %v, want clamped to 1h", got)
	}
}

func TestSambaAcquirerHonorsShorterProviderLifetime(t *testing.T) {
	ip := newIdentityProvider(t)
	ip.cookieLifetime = 10 * time.Minute

	acq := NewSambaAcquirer(ip.config(3600))
	cred, err := acq.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cred.Lifetime(); got > 11*time.Minute {
		t.Errorf("lifetime = %v, want provider-stated ~10m", got)
	}
}

func TestSambaAcquirerInvalidAccountCredentials(t *testing.T) {
	ip := newIdentityProvider(t)
	ip.failLogin = true

	acq := NewSambaAcquirer(ip.config(3600))
	_, err := acq.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("error %v is not an AuthError", err)
	}
}

func TestSambaAcquirerNoAuthorizeRedirect(t *testing.T) {
	ip := newIdentityProvider(t)
	ip.noRedirect = true

	acq := NewSambaAcquirer(ip.config(3600))
	if _, err := acq.Acquire(context.Background()); !IsAuthError(err) {
		t.Errorf("expected AuthError for missing redirect, got %v", err)
	}
}

func TestSambaAcquirerMissingTokenCookie(t *testing.T) {
	ip := newIdentityProvider(t)
	ip.omitCookie = true

	acq := NewSambaAcquirer(ip.config(3600))
	if _, err := acq.Acquire(context.Background()); !IsAuthError(err) {
		t.Errorf("expected AuthError for missing cookie, got %v", err)
	}
}

func TestSambaAcquirerUnconfiguredAccount(t *testing.T) {
	acq := NewSambaAcquirer(config.SambaConfig{LoginMinInterval: time.Millisecond})
	if _, err := acq.Acquire(context.Background()); !IsAuthError(err) {
		t.Errorf("expected AuthError for unconfigured account, got %v", err)
	}
}
