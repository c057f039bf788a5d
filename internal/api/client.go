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
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/tonimelisma/opsdash/internal/metrics"
)

// DefaultRefreshLookahead is how close to expiry a credential may get
// before requests refresh it up front.
const DefaultRefreshLookahead = 60 * time.Second

// headerRequestID carries a per-logical-request identifier. The original
// attempt and its post-refresh retry share one value.
const headerRequestID = "X-Request-ID"

// CredentialsMode controls whether the client's cookie jar accompanies a
// request.
type CredentialsMode int

const (
	// CredentialsInclude sends and stores cookies (default).
	CredentialsInclude CredentialsMode = iota
	// CredentialsOmit sends the request without the cookie jar.
	CredentialsOmit
)

// RequestOption adjusts a single Do call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	credentials CredentialsMode
}

// WithCredentials overrides the credentials mode for one request.
func WithCredentials(mode CredentialsMode) RequestOption {
	return func(o *requestOptions) {
		o.credentials = mode
	}
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RefreshLookahead: credentials expiring within this window are refreshed
	// before the request is sent. Zero means DefaultRefreshLookahead.
	RefreshLookahead time.Duration
	UserAgent        string
	LoginPath        string
	LogoutPath       string
	Metrics          *metrics.Collector
	Logger           *slog.Logger
}

// Client sends authenticated requests. It is safe for concurrent use; any
// number of requests may be in flight while a refresh is outstanding.
type Client struct {
	baseURL    string
	httpClient *http.Client
	noCookies  *http.Client
	store      CredentialStore
	refresher  TokenRefresher
	lookahead  time.Duration
	userAgent  string
	loginPath  string
	logoutPath string
	metrics    *metrics.Collector
	logger     *slog.Logger

	// nowFunc is overridden by tests to control expiry decisions.
	nowFunc func() time.Time
}

// NewClient creates a Client reading credentials from store and refreshing
// them through refresher.
func NewClient(store CredentialStore, refresher TokenRefresher, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	noCookies := *httpClient
	noCookies.Jar = nil

	lookahead := opts.RefreshLookahead
	if lookahead <= 0 {
		lookahead = DefaultRefreshLookahead
	}

	loginPath := opts.LoginPath
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}

	logoutPath := opts.LogoutPath
	if logoutPath == "" {
		logoutPath = DefaultLogoutPath
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		noCookies:  &noCookies,
		store:      store,
		refresher:  refresher,
		lookahead:  lookahead,
		userAgent:  opts.UserAgent,
		loginPath:  loginPath,
		logoutPath: logoutPath,
		metrics:    opts.Metrics,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// NewCookieJar returns a jar suitable for Options.HTTPClient. Cookie-held
// refresh credentials set at login live here.
func NewCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("api: creating cookie jar: %w", err)
	}

	return jar, nil
}

// BaseURL returns the API root the client resolves paths against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// URL resolves path against the base URL. Absolute URLs pass through.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return c.baseURL + path
}

// NewRequest builds a request for path relative to the base URL.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("api: creating request: %w", err)
	}

	return req, nil
}

// Get issues an authenticated GET for path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	return c.Do(ctx, req)
}

// PostJSON issues an authenticated POST for path with v encoded as JSON.
// A nil v sends no body.
func (c *Client) PostJSON(ctx context.Context, path string, v any) (*Response, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, v)
	if err != nil {
		return nil, err
	}

	return c.Do(ctx, req)
}

// jsonBody encodes v for a request body. A nil v yields a nil reader.
func jsonBody(v any) (io.Reader, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("api: encoding request body: %w", err)
	}

	return bytes.NewReader(raw), nil
}

// Do sends req with the current bearer credential.
//
//  1. A credential expiring within the lookahead window is refreshed first;
//     if that refresh fails the old credential is sent anyway.
//  2. Any status other than 401 is returned as is.
//  3. A 401 triggers one refresh. With a new token the request is re-sent
//     exactly once. If the refresh fails, or the retry is also 401, the
//     credential is cleared and the 401 response is returned.
//
// Transport errors are returned unretried. Headers, method and body of req
// are preserved on the retry; a body without GetBody is buffered once.
func (c *Client) Do(ctx context.Context, req *http.Request, opts ...RequestOption) (*Response, error) {
	o := requestOptions{credentials: CredentialsInclude}
	for _, opt := range opts {
		opt(&o)
	}

	if err := makeReplayable(req); err != nil {
		return nil, err
	}

	requestID := req.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	token := c.currentToken(ctx)

	resp, err := c.send(ctx, req, token, requestID, o)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return newResponse(resp), nil
	}

	c.logger.Debug("request unauthorized, refreshing credential",
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.String("request_id", requestID),
	)

	fresh, refreshErr := c.refresher.Refresh(ctx)
	if refreshErr != nil {
		// A caller that gave up says nothing about the credential.
		if ctxErr := ctx.Err(); ctxErr != nil {
			drainAndClose(resp.Body)
			return nil, ctxErr
		}

		if !errors.Is(refreshErr, ErrCredentialCleared) {
			c.clearCredential("refresh failed after 401", requestID)
		}

		return newResponse(resp), nil
	}

	drainAndClose(resp.Body)
	c.metrics.RecordAuthRetry()

	retry, err := c.send(ctx, req, fresh, requestID, o)
	if err != nil {
		return nil, err
	}

	// The retry is final whatever its status.
	if retry.StatusCode == http.StatusUnauthorized {
		c.clearCredential("retry after refresh still unauthorized", requestID)
	}

	return newResponse(retry), nil
}

// currentToken returns the access token to send, refreshing it first when it
// is about to expire. Returns "" when no credential is held.
func (c *Client) currentToken(ctx context.Context) string {
	tok := c.store.Get()
	if tok == nil {
		return ""
	}

	if tok.Expiry.IsZero() || tok.Expiry.After(c.nowFunc().Add(c.lookahead)) {
		return tok.AccessToken
	}

	fresh, err := c.refresher.Refresh(ctx)
	if err != nil {
		c.logger.Debug("proactive refresh failed, sending current credential",
			slog.Time("expiry", tok.Expiry),
			slog.String("error", err.Error()),
		)

		return tok.AccessToken
	}

	return fresh
}

// send performs one network attempt on a clone of req.
func (c *Client) send(
	ctx context.Context, req *http.Request, token, requestID string, o requestOptions,
) (*http.Response, error) {
	out := req.Clone(ctx)

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("api: rewinding request body: %w", err)
		}

		out.Body = body
	}

	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	if c.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", c.userAgent)
	}

	out.Header.Set(headerRequestID, requestID)

	hc := c.httpClient
	if o.credentials == CredentialsOmit {
		hc = c.noCookies
	}

	resp, err := hc.Do(out)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Redacted(), err)
	}

	c.logger.Debug("request completed",
		slog.String("method", req.Method),
		slog.String("url", req.URL.Redacted()),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
	)

	return resp, nil
}

func (c *Client) clearCredential(reason, requestID string) {
	c.logger.Warn("clearing credential",
		slog.String("reason", reason),
		slog.String("request_id", requestID),
	)

	c.metrics.RecordAuthCleared()
	c.store.Clear()
}

// makeReplayable ensures req.GetBody is set whenever req has a body, so the
// request can be sent twice.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}

	raw, err := io.ReadAll(req.Body)
	req.Body.Close()

	if err != nil {
		return fmt.Errorf("api: buffering request body: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	req.Body, _ = req.GetBody()
	req.ContentLength = int64(len(raw))

	return nil
}

// drainAndClose discards a bounded amount of body so the connection can be
// reused, then closes it.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
