// Package credstore holds the process-wide access and refresh credentials.
// All reads go through Get; all writes go through Set and Clear, which
// persist best-effort to a kvstore.Store and broadcast TokenUpdated or
// Logout to subscribers.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/opsdash/internal/kvstore"
)

// persistTimeout bounds each write to the durable area. Set and Clear take
// no context, so this is the only deadline they get.
const persistTimeout = 5 * time.Second

// ErrNoCredential is returned by Token when nothing is stored.
var ErrNoCredential = errors.New("credstore: no access credential")

// Event identifies a credential lifecycle notification.
type Event int

const (
	// TokenUpdated fires after a non-empty credential is stored.
	TokenUpdated Event = iota + 1
	// Logout fires after the credential is cleared.
	Logout
)

func (e Event) String() string {
	switch e {
	case TokenUpdated:
		return "token-updated"
	case Logout:
		return "logout"
	default:
		return "unknown"
	}
}

// Notification is delivered to subscribers. Token is a copy of the new
// credential, nil for Logout.
type Notification struct {
	Event Event
	Token *oauth2.Token
}

// User is the last-known user record returned by login.
type User struct {
	ID             string `json:"id,omitempty"`
	Username       string `json:"username,omitempty"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Store is the credential store. The zero value is not usable; call Open or
// New.
type Store struct {
	// writeMu serializes mutations with their persistence so disk and memory
	// agree after every Set/Clear/Reload. mu guards the in-memory fields only,
	// so Get never waits on disk.
	writeMu sync.Mutex
	mu      sync.RWMutex
	tok     *oauth2.Token
	user    *User
	clears  uint64

	// Notifications are queued under writeMu and delivered by flush.
	queueMu    sync.Mutex
	pending    []Notification
	delivering bool

	listenersMu sync.Mutex
	listeners   map[uint64]func(Notification)
	nextID      uint64

	kv     kvstore.Store
	logger *slog.Logger
}

// New returns an empty store persisting into kv. A nil kv keeps everything
// in memory.
func New(kv kvstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	if kv == nil {
		kv = kvstore.NewMemory()
	}

	return &Store{
		kv:        kv,
		logger:    logger,
		listeners: make(map[uint64]func(Notification)),
	}
}

// Open returns a store initialized from whatever kv already holds. Read
// failures are logged and the store starts empty.
func Open(ctx context.Context, kv kvstore.Store, logger *slog.Logger) *Store {
	s := New(kv, logger)

	tok, user := s.load(ctx)

	s.mu.Lock()
	s.tok = tok
	s.user = user
	s.mu.Unlock()

	if tok != nil {
		s.logger.Debug("loaded saved credential",
			slog.Time("expiry", tok.Expiry),
			slog.Bool("has_refresh", tok.RefreshToken != ""),
		)
	}

	return s
}

// Get returns a copy of the current credential, or nil.
func (s *Store) Get() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneToken(s.tok)
}

// Token implements oauth2.TokenSource.
func (s *Store) Token() (*oauth2.Token, error) {
	tok := s.Get()
	if tok == nil {
		return nil, ErrNoCredential
	}

	return tok, nil
}

// Set stores tok and emits TokenUpdated. A nil or empty token is the same
// as Clear. Expiry is decoded from the access token when not already set.
func (s *Store) Set(tok *oauth2.Token) {
	if tok == nil || tok.AccessToken == "" {
		s.Clear()
		return
	}

	s.writeMu.Lock()
	s.store(normalizeToken(tok))
	s.writeMu.Unlock()

	s.flush()
}

// Epoch counts the Clears so far. Pass it to SetIfEpoch to store a
// credential only if nobody logged out in the meantime.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clears
}

// SetIfEpoch is Set, except that nothing happens and false is returned when
// the store was cleared after epoch was read.
func (s *Store) SetIfEpoch(epoch uint64, tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}

	s.writeMu.Lock()

	s.mu.RLock()
	stale := s.clears != epoch
	s.mu.RUnlock()

	if stale {
		s.writeMu.Unlock()
		return false
	}

	s.store(normalizeToken(tok))
	s.writeMu.Unlock()

	s.flush()

	return true
}

// store adopts and persists tok and queues TokenUpdated. Caller holds
// writeMu.
func (s *Store) store(tok *oauth2.Token) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()

	s.persistToken(tok)
	s.enqueue(Notification{Event: TokenUpdated, Token: cloneToken(tok)})
}

// Clear drops the credential and the user record and emits Logout.
func (s *Store) Clear() {
	s.writeMu.Lock()

	s.mu.Lock()
	s.tok = nil
	s.user = nil
	s.clears++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	for _, key := range []string{kvstore.KeyAccessToken, kvstore.KeyRefreshToken, kvstore.KeyUser} {
		s.warnOnErr(s.kv.Delete(ctx, key), "delete", key)
	}
	cancel()

	s.enqueue(Notification{Event: Logout})
	s.writeMu.Unlock()

	s.flush()
}

// User returns a copy of the last-known user, or nil.
func (s *Store) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.user == nil {
		return nil
	}

	u := *s.user

	return &u
}

// SetUser records the last-known user. No notification is emitted.
func (s *Store) SetUser(u *User) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if u == nil {
		s.mu.Lock()
		s.user = nil
		s.mu.Unlock()

		s.warnOnErr(s.kv.Delete(ctx, kvstore.KeyUser), "delete", kvstore.KeyUser)

		return
	}

	copied := *u

	s.mu.Lock()
	s.user = &copied
	s.mu.Unlock()

	raw, err := json.Marshal(copied)
	if err != nil {
		s.warnOnErr(err, "encode", kvstore.KeyUser)
		return
	}

	s.warnOnErr(s.kv.Set(ctx, kvstore.KeyUser, string(raw)), "write", kvstore.KeyUser)
}

// Subscribe registers fn for every subsequent notification and returns a
// function that unregisters it. Notifications arrive one at a time in the
// order the changes were made, after the change is visible through Get. fn
// runs on the goroutine that made the change unless another goroutine is
// already delivering, in which case that one delivers it before returning.
func (s *Store) Subscribe(fn func(Notification)) (cancel func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Reload re-reads the durable area and adopts any credential written there
// by another process, emitting the matching notification. Nothing is
// emitted when the stored credential equals the in-memory one.
func (s *Store) Reload(ctx context.Context) {
	s.writeMu.Lock()

	tok, user := s.load(ctx)

	s.mu.Lock()
	changed := !sameToken(s.tok, tok)
	if changed {
		s.tok = tok
		if tok == nil {
			s.clears++
		}
	}
	s.user = user
	s.mu.Unlock()

	switch {
	case !changed:
	case tok == nil:
		s.logger.Info("credential removed by another process")
		s.enqueue(Notification{Event: Logout})
	default:
		s.logger.Info("credential updated by another process", slog.Time("expiry", tok.Expiry))
		s.enqueue(Notification{Event: TokenUpdated, Token: cloneToken(tok)})
	}

	s.writeMu.Unlock()

	s.flush()
}

// load reads credential and user from kv. Errors degrade to "absent".
func (s *Store) load(ctx context.Context) (*oauth2.Token, *User) {
	access, ok, err := s.kv.Get(ctx, kvstore.KeyAccessToken)
	if err != nil {
		s.warnOnErr(err, "read", kvstore.KeyAccessToken)
		return nil, nil
	}

	var tok *oauth2.Token
	if ok && access != "" {
		refresh, _, refreshErr := s.kv.Get(ctx, kvstore.KeyRefreshToken)
		s.warnOnErr(refreshErr, "read", kvstore.KeyRefreshToken)

		tok = normalizeToken(&oauth2.Token{AccessToken: access, RefreshToken: refresh})
	}

	rawUser, ok, err := s.kv.Get(ctx, kvstore.KeyUser)
	if err != nil || !ok {
		s.warnOnErr(err, "read", kvstore.KeyUser)
		return tok, nil
	}

	var u User
	if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
		s.warnOnErr(err, "decode", kvstore.KeyUser)
		return tok, nil
	}

	return tok, &u
}

func (s *Store) persistToken(tok *oauth2.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	s.warnOnErr(s.kv.Set(ctx, kvstore.KeyAccessToken, tok.AccessToken), "write", kvstore.KeyAccessToken)

	if tok.RefreshToken == "" {
		s.warnOnErr(s.kv.Delete(ctx, kvstore.KeyRefreshToken), "delete", kvstore.KeyRefreshToken)
		return
	}

	s.warnOnErr(s.kv.Set(ctx, kvstore.KeyRefreshToken, tok.RefreshToken), "write", kvstore.KeyRefreshToken)
}

// warnOnErr logs storage failures. They are never returned: without durable
// storage the store keeps working from memory.
func (s *Store) warnOnErr(err error, op, key string) {
	if err == nil {
		return
	}

	s.logger.Warn("credential storage unavailable",
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
}

// enqueue records n for delivery. Caller holds writeMu, so the queue is in
// the same order as the changes.
func (s *Store) enqueue(n Notification) {
	s.queueMu.Lock()
	s.pending = append(s.pending, n)
	s.queueMu.Unlock()
}

// flush delivers queued notifications in order. Only one goroutine delivers
// at a time; a flush that finds delivery in progress, including one made by
// a listener, leaves its notifications to that goroutine.
func (s *Store) flush() {
	s.queueMu.Lock()
	if s.delivering {
		s.queueMu.Unlock()
		return
	}

	s.delivering = true

	for len(s.pending) > 0 {
		n := s.pending[0]
		s.pending = s.pending[1:]
		s.queueMu.Unlock()

		s.notify(n)

		s.queueMu.Lock()
	}

	s.delivering = false
	s.queueMu.Unlock()
}

func (s *Store) notify(n Notification) {
	s.listenersMu.Lock()
	fns := make([]func(Notification), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

func normalizeToken(tok *oauth2.Token) *oauth2.Token {
	c := cloneToken(tok)
	if c.TokenType == "" {
		c.TokenType = "Bearer"
	}

	if c.Expiry.IsZero() {
		if exp, err := ParseExpiry(c.AccessToken); err == nil {
			c.Expiry = exp
		}
	}

	return c
}

func cloneToken(tok *oauth2.Token) *oauth2.Token {
	if tok == nil {
		return nil
	}

	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

func sameToken(a, b *oauth2.Token) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.AccessToken == b.AccessToken && a.RefreshToken == b.RefreshToken
}
