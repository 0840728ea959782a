package ghauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coderelay/coderelay/pkg/state"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.TokenFilePath == "" {
		cfg.TokenFilePath = filepath.Join(t.TempDir(), "token")
	}
	return New(cfg)
}

func TestRefreshTokenSuccess(t *testing.T) {
	var persisted *state.InstallationCredential
	svc := newTestService(t, Config{
		Persist: func(c *state.InstallationCredential) { persisted = c },
	})
	expires := time.Now().Add(time.Hour)
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		return "ghs_new", expires, nil
	}

	tok, err := svc.RefreshToken(context.Background())
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if tok != "ghs_new" {
		t.Fatalf("RefreshToken() = %q", tok)
	}
	if svc.IsExpired() {
		t.Errorf("IsExpired() = true after successful refresh")
	}
	if svc.ConsecutiveFailures() != 0 {
		t.Errorf("ConsecutiveFailures() = %d, want 0", svc.ConsecutiveFailures())
	}
	if persisted == nil || persisted.Token != "ghs_new" {
		t.Errorf("Persist hook got %+v", persisted)
	}

	data, err := os.ReadFile(svc.cfg.TokenFilePath)
	if err != nil {
		t.Fatalf("token file not published: %v", err)
	}
	if string(data) != "ghs_new" {
		t.Errorf("token file = %q, want ghs_new", data)
	}
	if _, err := os.Stat(svc.cfg.TokenFilePath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp token file left behind")
	}
}

func TestTokenUsesCacheUntilExpired(t *testing.T) {
	var calls int32
	svc := newTestService(t, Config{})
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		atomic.AddInt32(&calls, 1)
		return fmt.Sprintf("ghs_%d", atomic.LoadInt32(&calls)), time.Now().Add(time.Hour), nil
	}

	tok, err := svc.Token(context.Background())
	if err != nil || tok != "ghs_1" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}
	tok, err = svc.Token(context.Background())
	if err != nil || tok != "ghs_1" {
		t.Fatalf("second Token() = %q, %v; want cached ghs_1", tok, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("exchange called %d times, want 1", calls)
	}

	// Force expiry; the next Token call must refresh.
	svc.mu.Lock()
	svc.cred.ExpiresAt = time.Now().Add(-time.Minute)
	svc.mu.Unlock()

	tok, err = svc.Token(context.Background())
	if err != nil || tok != "ghs_2" {
		t.Fatalf("Token() after expiry = %q, %v", tok, err)
	}
}

func TestTokenReturnsEmptyOnRefreshFailure(t *testing.T) {
	svc := newTestService(t, Config{})
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		return "", time.Time{}, errors.New("401 bad credentials")
	}

	tok, err := svc.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v, want nil with empty token", err)
	}
	if tok != "" {
		t.Fatalf("Token() = %q, want empty", tok)
	}
}

func TestDegradedCallbackFiresOncePerStreak(t *testing.T) {
	svc := newTestService(t, Config{})
	failing := func(ctx context.Context) (string, time.Time, error) {
		return "", time.Time{}, errors.New("401")
	}
	svc.exchange = failing

	var fired int32
	svc.OnAuthDegraded(func() { atomic.AddInt32(&fired, 1) })

	for i := 0; i < 2; i++ {
		if _, err := svc.RefreshToken(context.Background()); err == nil {
			t.Fatalf("RefreshToken() succeeded unexpectedly")
		}
	}
	if svc.IsAuthDegraded() {
		t.Fatalf("degraded after 2 failures")
	}
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("callback fired before threshold")
	}

	// Third failure crosses 2 -> 3.
	svc.RefreshToken(context.Background())
	if !svc.IsAuthDegraded() {
		t.Fatalf("not degraded after 3 failures")
	}
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}

	// Fourth failure must not re-fire within the same streak.
	svc.RefreshToken(context.Background())
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("callback re-fired within streak")
	}

	// Recovery resets the streak; a fresh run of failures fires again.
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		return "ghs_ok", time.Now().Add(time.Hour), nil
	}
	if _, err := svc.RefreshToken(context.Background()); err != nil {
		t.Fatalf("recovery refresh error = %v", err)
	}
	if svc.ConsecutiveFailures() != 0 || svc.IsAuthDegraded() {
		t.Fatalf("streak not reset after success")
	}

	svc.exchange = failing
	for i := 0; i < 3; i++ {
		svc.RefreshToken(context.Background())
	}
	if atomic.LoadInt32(&fired) != 2 {
		t.Fatalf("callback fired %d times across two streaks, want 2", fired)
	}
}

func TestRefreshTimeoutIsTyped(t *testing.T) {
	svc := newTestService(t, Config{})
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		return "", time.Time{}, context.DeadlineExceeded
	}

	_, err := svc.RefreshToken(context.Background())
	if !errors.Is(err, ErrRefreshTimeout) {
		t.Fatalf("error = %v, want ErrRefreshTimeout", err)
	}
	if errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("timeout error also matches ErrRefreshFailed")
	}

	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		return "", time.Time{}, errors.New("500")
	}
	_, err = svc.RefreshToken(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	svc := newTestService(t, Config{})

	var calls int32
	gate := make(chan struct{})
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return "ghs_shared", time.Now().Add(time.Hour), nil
	}

	const n = 5
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := svc.RefreshToken(context.Background())
			if err != nil {
				t.Errorf("RefreshToken() error = %v", err)
			}
			results[i] = tok
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("exchange called %d times, want 1", got)
	}
	for i, tok := range results {
		if tok != "ghs_shared" {
			t.Fatalf("caller %d got %q", i, tok)
		}
	}
}

func TestExpiryPredicates(t *testing.T) {
	svc := newTestService(t, Config{ExpiryWindow: 15 * time.Minute})

	if !svc.IsExpired() || !svc.IsExpiringSoon() {
		t.Fatalf("absent credential should be expired and expiring soon")
	}

	svc.Hydrate(&state.InstallationCredential{Token: "t", ExpiresAt: time.Now().Add(time.Hour)})
	if svc.IsExpired() || svc.IsExpiringSoon() {
		t.Fatalf("fresh credential misreported: expired=%v soon=%v", svc.IsExpired(), svc.IsExpiringSoon())
	}

	svc.Hydrate(&state.InstallationCredential{Token: "t", ExpiresAt: time.Now().Add(10 * time.Minute)})
	if svc.IsExpired() {
		t.Fatalf("credential inside window reported expired")
	}
	if !svc.IsExpiringSoon() {
		t.Fatalf("credential inside window not reported expiring soon")
	}
}

func TestBackgroundRefresh(t *testing.T) {
	svc := newTestService(t, Config{})
	var calls int32
	svc.exchange = func(ctx context.Context) (string, time.Time, error) {
		atomic.AddInt32(&calls, 1)
		// Keep the token inside the expiry window so every tick refreshes.
		return "ghs_bg", time.Now().Add(time.Minute), nil
	}

	svc.StartBackgroundRefresh(10 * time.Millisecond)
	defer svc.StopBackgroundRefresh()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("background refresh ran %d times, want >= 2", calls)
	}

	svc.StopBackgroundRefresh()
	stopped := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) > stopped+1 {
		t.Fatalf("background refresh kept running after stop")
	}
}

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}

func TestExchangeInstallationToken(t *testing.T) {
	keyPath := writeTestKey(t)

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/99/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token":"ghs_minted","expires_at":"2026-09-01T00:00:00Z"}`)
	}))
	defer srv.Close()

	svc := newTestService(t, Config{
		AppID:          4242,
		InstallationID: 99,
		PrivateKeyPath: keyPath,
		APIBaseURL:     srv.URL,
	})

	tok, expires, err := svc.exchangeInstallationToken(context.Background())
	if err != nil {
		t.Fatalf("exchangeInstallationToken() error = %v", err)
	}
	if tok != "ghs_minted" {
		t.Fatalf("token = %q", tok)
	}
	if expires.Format(time.RFC3339) != "2026-09-01T00:00:00Z" {
		t.Fatalf("expires = %s", expires)
	}

	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("Authorization = %q, want Bearer JWT", gotAuth)
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(strings.TrimPrefix(gotAuth, "Bearer "), &claims); err != nil {
		t.Fatalf("bearer is not a JWT: %v", err)
	}
	if claims.Issuer != "4242" {
		t.Fatalf("jwt issuer = %q, want app id", claims.Issuer)
	}
}

func TestExchangeMissingKey(t *testing.T) {
	svc := newTestService(t, Config{PrivateKeyPath: "/nonexistent/key.pem"})
	if _, err := svc.RefreshToken(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
}
