// Package ghauth maintains the GitHub App installation token: minting,
// proactive refresh, failure degradation, and atomic publication to a file
// consumed by co-located processes.
package ghauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v68/github"

	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/metrics"
	"github.com/coderelay/coderelay/pkg/state"
)

const (
	// appJWTTTL is the lifetime of the App JWT used to mint installation
	// tokens. GitHub caps this at 10 minutes.
	appJWTTTL = 10 * time.Minute

	// appJWTBackdate absorbs clock skew between us and the forge.
	appJWTBackdate = 60 * time.Second

	// exchangeTimeout bounds the access_tokens call.
	exchangeTimeout = 30 * time.Second

	// degradedThreshold is the consecutive-failure count at which the
	// degraded callback fires.
	degradedThreshold = 3
)

// ErrRefreshTimeout reports that the token exchange hit its deadline. It is
// distinct from ErrRefreshFailed so callers can alert on forge latency
// separately from auth problems.
var ErrRefreshTimeout = errors.New("token refresh timed out")

// ErrRefreshFailed reports a non-timeout refresh failure.
var ErrRefreshFailed = errors.New("token refresh failed")

// Config holds the credentials and paths the service needs.
type Config struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string

	// TokenFilePath is where the current token is published. Empty disables
	// publication.
	TokenFilePath string

	// ExpiryWindow is the "expiring soon" horizon for proactive refresh.
	ExpiryWindow time.Duration

	// APIBaseURL overrides the forge endpoint for tests and GHES.
	APIBaseURL string

	// Persist, when set, is invoked with the new credential after every
	// successful refresh so the owner can fold it into durable state.
	Persist func(cred *state.InstallationCredential)
}

// Service is the credential service. All methods are safe for concurrent
// use; refreshes are single-flight.
type Service struct {
	cfg Config
	now func() time.Time

	mu                  sync.Mutex
	cred                *state.InstallationCredential
	consecutiveFailures int
	degradedFired       bool
	degradedCb          func()
	inflight            *refreshCall

	bgMu     sync.Mutex
	bgCancel context.CancelFunc

	// exchange performs the JWT-for-token exchange. Swappable in tests.
	exchange func(ctx context.Context) (string, time.Time, error)
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// New creates a credential service. The private key is read lazily on the
// first refresh so a missing key surfaces as a refresh failure, not a
// constructor error.
func New(cfg Config) *Service {
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = 15 * time.Minute
	}
	s := &Service{
		cfg: cfg,
		now: time.Now,
	}
	s.exchange = s.exchangeInstallationToken
	return s
}

// Hydrate seeds the in-memory credential from persisted state on recovery.
func (s *Service) Hydrate(cred *state.InstallationCredential) {
	if cred == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cred
	s.cred = &copied
	s.consecutiveFailures = cred.ConsecutiveFailures
	s.degradedFired = cred.ConsecutiveFailures >= degradedThreshold
}

// OnAuthDegraded registers the callback fired when consecutive failures
// cross the degradation threshold. One invocation per failure streak.
func (s *Service) OnAuthDegraded(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradedCb = cb
}

// ConsecutiveFailures returns the current failure streak length.
func (s *Service) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// IsAuthDegraded reports whether the failure streak has reached the
// degradation threshold.
func (s *Service) IsAuthDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures >= degradedThreshold
}

// IsExpired reports whether no usable token is cached.
func (s *Service) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isExpiredLocked()
}

func (s *Service) isExpiredLocked() bool {
	return s.cred == nil || !s.cred.ExpiresAt.After(s.now())
}

// IsExpiringSoon reports whether the token is absent or inside the
// proactive-refresh window.
func (s *Service) IsExpiringSoon() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return true
	}
	return s.cred.ExpiresAt.Sub(s.now()) < s.cfg.ExpiryWindow
}

// Token returns a valid installation token, refreshing if the cached one is
// absent or expired. Returns "" when refresh fails. Satisfies the forge
// client's TokenProvider.
func (s *Service) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.isExpiredLocked() {
		tok := s.cred.Token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	tok, err := s.RefreshToken(ctx)
	if err != nil {
		return "", nil
	}
	return tok, nil
}

// RefreshToken mints a fresh installation token. Concurrent callers share a
// single in-flight exchange.
func (s *Service) RefreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	token, err := s.doRefresh(ctx)

	call.token = token
	call.err = err
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	close(call.done)

	return token, err
}

func (s *Service) doRefresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	token, expiresAt, err := s.exchange(ctx)
	if err != nil {
		kind := ErrRefreshFailed
		result := "failure"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = ErrRefreshTimeout
			result = "timeout"
		}
		metrics.IncTokenRefresh(result)
		s.recordFailure()
		return "", fmt.Errorf("%w: %v", kind, err)
	}

	cred := &state.InstallationCredential{
		Token:     token,
		ExpiresAt: expiresAt,
	}

	if s.cfg.TokenFilePath != "" {
		if err := publishTokenFile(s.cfg.TokenFilePath, token); err != nil {
			// The token itself is good; consumers just keep the previous
			// file. Log and carry on.
			log.Error("failed to publish token file", "path", s.cfg.TokenFilePath, "error", err)
		}
	}

	s.mu.Lock()
	s.cred = cred
	s.consecutiveFailures = 0
	s.degradedFired = false
	persist := s.cfg.Persist
	s.mu.Unlock()

	metrics.IncTokenRefresh("success")
	log.Info("installation token refreshed", "expires_at", expiresAt.Format(time.RFC3339))

	if persist != nil {
		persist(cred)
	}
	return token, nil
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	var cb func()
	if failures == degradedThreshold && !s.degradedFired {
		s.degradedFired = true
		cb = s.degradedCb
	}
	s.mu.Unlock()

	log.Warn("installation token refresh failed", "consecutive_failures", failures)
	if cb != nil {
		cb()
	}
}

// StartBackgroundRefresh begins a periodic check that refreshes the token
// whenever it is expiring soon. Calling it again restarts the loop with the
// new interval.
func (s *Service) StartBackgroundRefresh(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.bgMu.Lock()
	if s.bgCancel != nil {
		s.bgCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	s.bgMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.IsExpiringSoon() {
					continue
				}
				if _, err := s.RefreshToken(ctx); err != nil {
					log.Warn("background token refresh failed", "error", err)
				}
			}
		}
	}()
}

// StopBackgroundRefresh cancels the periodic check.
func (s *Service) StopBackgroundRefresh() {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgCancel = nil
	}
}

// exchangeInstallationToken mints the App JWT and trades it for an
// installation token.
func (s *Service) exchangeInstallationToken(ctx context.Context) (string, time.Time, error) {
	appJWT, err := s.mintAppJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	hc := &http.Client{
		Transport: bearerTransport{token: appJWT},
	}
	api := github.NewClient(hc)
	if s.cfg.APIBaseURL != "" {
		base := s.cfg.APIBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("invalid api base url %q: %w", base, err)
		}
		api.BaseURL = u
	}

	tok, _, err := api.Apps.CreateInstallationToken(ctx, s.cfg.InstallationID, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create installation token: %w", err)
	}
	return tok.GetToken(), tok.GetExpiresAt().Time, nil
}

// mintAppJWT builds the short-lived RS256 JWT identifying the App.
func (s *Service) mintAppJWT() (string, error) {
	pemBytes, err := os.ReadFile(s.cfg.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read app private key %q: %w", s.cfg.PrivateKeyPath, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse app private key: %w", err)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", s.cfg.AppID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app jwt: %w", err)
	}
	return signed, nil
}

type bearerTransport struct {
	token string
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// publishTokenFile writes the token via temp file plus rename so consumers
// never read a partial token.
func publishTokenFile(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create token dir %q: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to write token temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
