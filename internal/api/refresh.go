package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/opsdash/internal/credstore"
	"github.com/tonimelisma/opsdash/internal/metrics"
)

// refreshKey is the only singleflight key: there is one credential per
// process, so there is one refresh at a time.
const refreshKey = "refresh"

// maxRefreshBody caps how much of the authority's reply is read.
const maxRefreshBody = 1 << 20

// CredentialStore is the subset of *credstore.Store this package needs.
// Defined at the consumer so tests can substitute a fake.
type CredentialStore interface {
	Get() *oauth2.Token
	Set(tok *oauth2.Token)
	Clear()
	SetUser(u *credstore.User)
	Epoch() uint64
	SetIfEpoch(epoch uint64, tok *oauth2.Token) bool
}

// TokenRefresher obtains a new access token. *Refresher is the real
// implementation.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Refresher exchanges the refresh credential for a new access token against
// the authority, collapsing concurrent requests into one network call.
type Refresher struct {
	url        string
	httpClient *http.Client
	store      CredentialStore
	group      singleflight.Group
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewRefresher creates a Refresher posting to refreshURL. httpClient should
// carry the cookie jar used for login so cookie-held refresh credentials
// accompany the call.
func NewRefresher(
	refreshURL string,
	httpClient *http.Client,
	store CredentialStore,
	m *metrics.Collector,
	logger *slog.Logger,
) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Refresher{
		url:        refreshURL,
		httpClient: httpClient,
		store:      store,
		metrics:    m,
		logger:     logger,
	}
}

// refreshRequest is the body sent to the authority when a refresh
// credential is held locally. Cookie-only deployments send no body.
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// Refresh returns a new access token. While a refresh is in flight every
// caller joins it and receives the same token or the same error. On success
// the store is updated before any caller returns, unless the credential was
// cleared meanwhile, in which case the token is discarded and the error wraps
// ErrCredentialCleared. On failure the store is left untouched and the error
// wraps ErrRefreshFailed; deciding whether to clear the credential is the
// caller's business.
//
// The network call is detached from ctx cancellation so one caller giving up
// cannot fail the call for the others; ctx only bounds this caller's wait.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		return r.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		tok, _ := res.Val.(string)

		return tok, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ctx.Err())
	}
}

// doRefresh performs the single network call. The singleflight key is
// released when it returns, whatever the outcome.
func (r *Refresher) doRefresh(ctx context.Context) (string, error) {
	epoch := r.store.Epoch()
	current := r.store.Get()

	var body io.Reader
	if current != nil && current.RefreshToken != "" {
		raw, err := json.Marshal(refreshRequest{RefreshToken: current.RefreshToken})
		if err != nil {
			return "", r.fail(fmt.Errorf("encoding refresh request: %w", err))
		}

		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, body)
	if err != nil {
		return "", r.fail(fmt.Errorf("creating refresh request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	r.logger.Debug("refreshing access credential", slog.String("url", r.url))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", r.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRefreshBody))
		return "", r.fail(fmt.Errorf("authority returned HTTP %d", resp.StatusCode))
	}

	var rr refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRefreshBody)).Decode(&rr); err != nil {
		return "", r.fail(fmt.Errorf("decoding refresh response: %w", err))
	}

	if rr.Token == "" {
		return "", r.fail(errors.New("refresh response carried no token"))
	}

	next := &oauth2.Token{AccessToken: rr.Token, RefreshToken: rr.RefreshToken}
	if next.RefreshToken == "" && current != nil {
		// Authority did not rotate; keep the one we have.
		next.RefreshToken = current.RefreshToken
	}

	if !r.store.SetIfEpoch(epoch, next) {
		r.logger.Info("credential cleared during refresh, discarding new token")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, ErrCredentialCleared)
	}

	r.metrics.RecordRefresh(metrics.RefreshSuccess)

	r.logger.Info("access credential refreshed",
		slog.Bool("rotated_refresh", rr.RefreshToken != ""),
	)

	return rr.Token, nil
}

func (r *Refresher) fail(err error) error {
	r.metrics.RecordRefresh(metrics.RefreshFailure)
	r.logger.Warn("credential refresh failed", slog.String("error", err.Error()))

	return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
}
