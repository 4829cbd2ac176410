package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nghyane/samba-mux/internal/config"
	"github.com/nghyane/samba-mux/internal/json"
	log "github.com/nghyane/samba-mux/internal/logging"
)

// Acquirer performs the external login flow and returns a fresh credential.
// Implementations are stateless functions of the account secrets.
type Acquirer interface {
	Acquire(ctx context.Context) (*Credential, error)
}

const (
	realmPasswordAuth  = "Username-Password-Authentication"
	credentialTypeURL  = "http://auth0.com/oauth/grant-type/password-realm"
	auth0ClientPayload = "eyJuYW1lIjoibG9jay5qcyIsInZlcnNpb24iOiIxMi4zLjAiLCJlbnYiOnsiYXV0aDAuanMiOiI5LjIyLjEiLCJhdXRoMC5qcy11bHAiOiI5LjIyLjEifX0="

	loginUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	loginTimeout   = 30 * time.Second
	tokenCookie    = "access_token"
)

// providerConfig is the identity-provider bootstrap document served by the
// SambaNova cloud frontend.
type providerConfig struct {
	ClientID      string `json:"clientId"`
	IssuerBaseURL string `json:"issuerBaseUrl"`
	RedirectURL   string `json:"redirectURL"`
}

// SambaAcquirer logs into the SambaNova cloud through its Auth0 tenant:
// bootstrap config, password-realm authentication for a login ticket, the
// authorize redirect for a code, and the callback exchange that sets the
// access_token cookie.
type SambaAcquirer struct {
	cfg     config.SambaConfig
	limiter *rate.Limiter
	origin  string
}

// NewSambaAcquirer builds the production acquirer. Login attempts are
// rate-limited so a renewal storm cannot hammer the identity provider.
func NewSambaAcquirer(cfg config.SambaConfig) *SambaAcquirer {
	origin := "https://cloud.sambanova.ai"
	if u, err := url.Parse(cfg.ConfigURL); err == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	return &SambaAcquirer{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.LoginMinInterval), 2),
		origin:  origin,
	}
}

// Acquire runs the full login exchange and returns the new credential with
// its expiry clamped to the configured ceiling.
func (a *SambaAcquirer) Acquire(ctx context.Context) (*Credential, error) {
	if !a.cfg.CredentialsConfigured() {
		return nil, NewAuthError("acquire", fmt.Errorf("SAMBA_EMAIL / SAMBA_PASSWORD not configured"))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, NewAuthError("acquire rate limit", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, NewAuthError("cookie jar", err)
	}
	client := &http.Client{Jar: jar, Timeout: loginTimeout}

	start := time.Now()

	pc, err := a.fetchProviderConfig(ctx, client)
	if err != nil {
		return nil, err
	}

	ticket, err := a.loginTicket(ctx, client, pc)
	if err != nil {
		return nil, err
	}

	code, state, nonce, err := a.authorizeCode(ctx, client, pc, ticket)
	if err != nil {
		return nil, err
	}

	token, cookieExpiry, err := a.exchangeToken(ctx, client, pc, code, state, nonce)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(a.cfg.TokenTTL())
	if !cookieExpiry.IsZero() && cookieExpiry.Before(expiresAt) {
		expiresAt = cookieExpiry
	}

	cred, err := New(token, now, expiresAt)
	if err != nil {
		return nil, NewAuthError("acquire", err)
	}

	log.Infof("credential acquired for %s, expires %s (took %v)",
		a.cfg.Email, expiresAt.Format(time.RFC3339), time.Since(start).Round(time.Millisecond))
	return cred, nil
}

func (a *SambaAcquirer) baseHeaders(h http.Header) {
	h.Set("Accept", "*/*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Origin", a.origin)
	h.Set("Referer", a.origin+"/")
	h.Set("User-Agent", loginUserAgent)
}

func (a *SambaAcquirer) fetchProviderConfig(ctx context.Context, client *http.Client) (*providerConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ConfigURL, nil)
	if err != nil {
		return nil, NewAuthError("provider config", err)
	}
	a.baseHeaders(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, NewAuthError("provider config", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, NewAuthError("provider config", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var pc providerConfig
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return nil, NewAuthError("provider config", fmt.Errorf("malformed response: %w", err))
	}
	if pc.ClientID == "" || pc.IssuerBaseURL == "" || pc.RedirectURL == "" {
		return nil, NewAuthError("provider config", fmt.Errorf("incomplete response"))
	}
	return &pc, nil
}

func (a *SambaAcquirer) loginTicket(ctx context.Context, client *http.Client, pc *providerConfig) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"client_id":       pc.ClientID,
		"username":        a.cfg.Email,
		"password":        a.cfg.Password,
		"realm":           realmPasswordAuth,
		"credential_type": credentialTypeURL,
	})
	if err != nil {
		return "", NewAuthError("login ticket", err)
	}

	authURL := issuerURL(pc.IssuerBaseURL, "/co/authenticate")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(string(payload)))
	if err != nil {
		return "", NewAuthError("login ticket", err)
	}
	a.baseHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", NewAuthError("login ticket", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", NewAuthError("login ticket", fmt.Errorf("invalid account credentials (status %d)", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewAuthError("login ticket", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body struct {
		LoginTicket string `json:"login_ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", NewAuthError("login ticket", fmt.Errorf("malformed response: %w", err))
	}
	if body.LoginTicket == "" {
		return "", NewAuthError("login ticket", fmt.Errorf("missing login_ticket in response"))
	}
	return body.LoginTicket, nil
}

// authorizeCode drives the /authorize hop. Redirects are not followed; the
// authorization code comes from the Location header of the 302.
func (a *SambaAcquirer) authorizeCode(ctx context.Context, client *http.Client, pc *providerConfig, ticket string) (code, state, nonce string, err error) {
	state = randomToken()
	nonce = randomToken()

	q := url.Values{}
	q.Set("client_id", pc.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", pc.RedirectURL)
	q.Set("scope", "openid profile email")
	q.Set("nonce", nonce)
	q.Set("state", state)
	q.Set("login_ticket", ticket)
	q.Set("realm", realmPasswordAuth)
	q.Set("auth0Client", auth0ClientPayload)

	authorizeURL := issuerURL(pc.IssuerBaseURL, "/authorize") + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return "", "", "", NewAuthError("authorize", err)
	}
	a.baseHeaders(req.Header)

	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", "", "", NewAuthError("authorize", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", "", "", NewAuthError("authorize", fmt.Errorf("expected 302 redirect, got %d", resp.StatusCode))
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", "", "", NewAuthError("authorize", fmt.Errorf("bad redirect location: %w", err))
	}
	code = location.Query().Get("code")
	if code == "" {
		return "", "", "", NewAuthError("authorize", fmt.Errorf("redirect carried no authorization code"))
	}
	return code, state, nonce, nil
}

// exchangeToken visits the frontend callback with the authorization code,
// following redirects, and pulls the access_token cookie the frontend sets.
// Cookie expiry is captured from the Set-Cookie headers along the chain so
// the provider-stated lifetime can clamp the configured ceiling.
func (a *SambaAcquirer) exchangeToken(ctx context.Context, client *http.Client, pc *providerConfig, code, state, nonce string) (string, time.Time, error) {
	callbackURL, err := url.Parse(pc.RedirectURL)
	if err != nil {
		return "", time.Time{}, NewAuthError("token exchange", fmt.Errorf("bad redirect URL: %w", err))
	}
	client.Jar.SetCookies(callbackURL, []*http.Cookie{{Name: "nonce", Value: nonce}})

	q := callbackURL.Query()
	q.Set("code", code)
	q.Set("state", state)
	callbackURL.RawQuery = q.Encode()

	var token string
	var expiry time.Time
	captureToken := func(resp *http.Response) {
		for _, c := range resp.Cookies() {
			if c.Name == tokenCookie && c.Value != "" {
				token = c.Value
				expiry = c.Expires
			}
		}
	}

	follow := *client
	follow.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		if req.Response != nil {
			captureToken(req.Response)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL.String(), nil)
	if err != nil {
		return "", time.Time{}, NewAuthError("token exchange", err)
	}
	a.baseHeaders(req.Header)
	req.Header.Set("Sec-Fetch-Site", "same-site")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")

	resp, err := follow.Do(req)
	if err != nil {
		return "", time.Time{}, NewAuthError("token exchange", err)
	}
	defer resp.Body.Close()
	captureToken(resp)

	if token == "" {
		// The cookie may have landed in the jar on an intermediate hop.
		for _, c := range client.Jar.Cookies(callbackURL) {
			if c.Name == tokenCookie && c.Value != "" {
				token = c.Value
			}
		}
	}
	if token == "" {
		return "", time.Time{}, NewAuthError("token exchange", fmt.Errorf("no %s cookie in callback response", tokenCookie))
	}
	return token, expiry, nil
}

func issuerURL(issuer, path string) string {
	if !strings.HasPrefix(issuer, "http://") && !strings.HasPrefix(issuer, "https://") {
		issuer = "https://" + issuer
	}
	return strings.TrimSuffix(issuer, "/") + path
}

// randomToken returns a 32-byte URL-safe random string, matching the
// entropy of the browser flow's state and nonce values.
func randomToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
