package api

import (
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/opsdash/internal/credstore"
	"github.com/tonimelisma/opsdash/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// jwtExpiring returns a signed token whose exp claim is d from now.
func jwtExpiring(t *testing.T, subject string, d time.Duration) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(d)),
	})

	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return s
}

// newStore returns an in-memory credential store holding access (if any).
func newStore(t *testing.T, access, refresh string) *credstore.Store {
	t.Helper()

	s := credstore.New(nil, testLogger())
	if access != "" {
		s.Set(&oauth2.Token{AccessToken: access, RefreshToken: refresh})
	}

	return s
}

// newTestClient wires a Client and a real Refresher against baseURL.
func newTestClient(t *testing.T, baseURL string, store *credstore.Store) (*Client, *Refresher, *metrics.Collector) {
	t.Helper()

	jar, err := NewCookieJar()
	require.NoError(t, err)

	hc := &http.Client{Jar: jar, Timeout: 10 * time.Second}
	m := metrics.NewCollector()
	r := NewRefresher(baseURL+DefaultRefreshPath, hc, store, m, testLogger())
	c := NewClient(store, r, Options{
		BaseURL:    baseURL,
		HTTPClient: hc,
		UserAgent:  "opsdash-test",
		Metrics:    m,
		Logger:     testLogger(),
	})

	return c, r, m
}
