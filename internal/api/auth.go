package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/opsdash/internal/credstore"
)

// Default authority endpoints, relative to the API base URL.
const (
	DefaultLoginPath   = "/api/auth/login"
	DefaultRefreshPath = "/api/auth/refresh-token"
	DefaultLogoutPath  = "/api/auth/logout"
)

// ErrMissingCredentials is returned by Login for an empty identifier or
// password, before any network call.
var ErrMissingCredentials = errors.New("api: identifier and password are required")

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type loginResponse struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	User         *credstore.User `json:"user"`
}

// Login exchanges an identifier and password for a credential, stores it
// (emitting TokenUpdated) and records the returned user. The authority may
// also set a refresh cookie, which lands in the client's jar.
func (c *Client) Login(ctx context.Context, identifier, password string) (*credstore.User, error) {
	if identifier == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	c.logger.Info("login started", slog.String("identifier", identifier))

	// Login goes out without a bearer token and is never retried: a 401
	// here means wrong credentials, not an expired session.
	req, err := c.newJSONRequest(ctx, http.MethodPost, c.loginPath, loginRequest{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: login: %w", err)
	}

	resp := newResponse(raw)
	defer resp.Close()

	if apiErr := AsError(resp); apiErr != nil {
		return nil, apiErr
	}

	var lr loginResponse
	if err := resp.JSON(&lr); err != nil {
		return nil, err
	}

	if lr.Token == "" {
		return nil, errors.New("api: login response carried no token")
	}

	c.store.Set(&oauth2.Token{AccessToken: lr.Token, RefreshToken: lr.RefreshToken})

	if lr.User != nil {
		c.store.SetUser(lr.User)
	}

	c.logger.Info("login successful", slog.String("identifier", identifier))

	return lr.User, nil
}

// Logout tells the authority to end the session, then clears the local
// credential (emitting Logout). The server call is best effort: the local
// credential is cleared even when it fails.
func (c *Client) Logout(ctx context.Context) {
	req, err := c.NewRequest(ctx, http.MethodPost, c.logoutPath, nil)
	if err == nil {
		if tok := c.store.Get(); tok != nil {
			req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			err = doErr
		} else {
			drainAndClose(resp.Body)
		}
	}

	if err != nil {
		c.logger.Warn("server logout failed, clearing local credential anyway",
			slog.String("error", err.Error()),
		)
	}

	c.store.Clear()
	c.logger.Info("logged out")
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, v any) (*http.Request, error) {
	body, err := jsonBody(v)
	if err != nil {
		return nil, err
	}

	req, err := c.NewRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	return req, nil
}
