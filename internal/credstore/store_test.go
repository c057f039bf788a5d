package credstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/opsdash/internal/kvstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// signedToken returns an HS256 JWT expiring at exp.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(exp),
	})

	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return s
}

// recorder collects notifications.
type recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recorder) record(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.got = append(r.got, n)
}

func (r *recorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Event)
	}

	return out
}

// brokenKV fails every operation, simulating unavailable storage.
type brokenKV struct{}

var errBroken = errors.New("disk on fire")

func (brokenKV) Get(context.Context, string) (string, bool, error) { return "", false, errBroken }
func (brokenKV) Set(context.Context, string, string) error         { return errBroken }
func (brokenKV) Delete(context.Context, string) error              { return errBroken }
func (brokenKV) Close() error                                      { return nil }

func TestStore_GetEmpty(t *testing.T) {
	s := New(nil, testLogger())
	assert.Nil(t, s.Get())

	_, err := s.Token()
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestStore_SetEmitsTokenUpdated(t *testing.T) {
	s := New(kvstore.NewMemory(), testLogger())
	rec := &recorder{}
	s.Subscribe(rec.record)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	access := signedToken(t, exp)
	s.Set(&oauth2.Token{AccessToken: access, RefreshToken: "r1"})

	got := s.Get()
	require.NotNil(t, got)
	assert.Equal(t, access, got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.True(t, got.Expiry.Equal(exp))

	assert.Equal(t, []Event{TokenUpdated}, rec.events())
	assert.Equal(t, access, rec.got[0].Token.AccessToken)
}

func TestStore_SetNilAndClearEmitLogout(t *testing.T) {
	s := New(kvstore.NewMemory(), testLogger())
	rec := &recorder{}
	s.Subscribe(rec.record)

	s.Set(&oauth2.Token{AccessToken: "a"})
	s.Set(nil)
	s.Set(&oauth2.Token{AccessToken: "b"})
	s.Clear()

	assert.Equal(t, []Event{TokenUpdated, Logout, TokenUpdated, Logout}, rec.events())
	assert.Nil(t, s.Get())
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New(nil, testLogger())
	s.Set(&oauth2.Token{AccessToken: "a"})

	got := s.Get()
	got.AccessToken = "mutated"

	assert.Equal(t, "a", s.Get().AccessToken)
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	kv, err := kvstore.OpenFile(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	s1 := New(kv, testLogger())
	s1.Set(&oauth2.Token{AccessToken: "a1", RefreshToken: "r1"})
	s1.SetUser(&User{ID: "7", Username: "ops"})

	s2 := Open(ctx, kv, testLogger())
	require.NotNil(t, s2.Get())
	assert.Equal(t, "a1", s2.Get().AccessToken)
	assert.Equal(t, "r1", s2.Get().RefreshToken)
	require.NotNil(t, s2.User())
	assert.Equal(t, "ops", s2.User().Username)

	s2.Clear()

	s3 := Open(ctx, kv, testLogger())
	assert.Nil(t, s3.Get())
	assert.Nil(t, s3.User())
}

func TestStore_DropsRefreshTokenWhenAbsent(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s := New(kv, testLogger())

	s.Set(&oauth2.Token{AccessToken: "a1", RefreshToken: "r1"})
	s.Set(&oauth2.Token{AccessToken: "a2"})

	_, ok, err := kv.Get(ctx, kvstore.KeyRefreshToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_StorageFailureDegradesToMemory(t *testing.T) {
	s := Open(context.Background(), brokenKV{}, testLogger())
	rec := &recorder{}
	s.Subscribe(rec.record)

	assert.NotPanics(t, func() {
		s.Set(&oauth2.Token{AccessToken: "a"})
		s.SetUser(&User{Username: "ops"})
	})

	require.NotNil(t, s.Get())
	assert.Equal(t, "a", s.Get().AccessToken)
	assert.Equal(t, "ops", s.User().Username)

	s.Clear()
	assert.Nil(t, s.Get())
	assert.Equal(t, []Event{TokenUpdated, Logout}, rec.events())
}

func TestStore_Unsubscribe(t *testing.T) {
	s := New(nil, testLogger())
	rec := &recorder{}
	cancel := s.Subscribe(rec.record)

	s.Set(&oauth2.Token{AccessToken: "a"})
	cancel()
	cancel()
	s.Clear()

	assert.Equal(t, []Event{TokenUpdated}, rec.events())
}

func TestStore_ListenerMayReadAndWrite(t *testing.T) {
	s := New(nil, testLogger())

	var seen string
	s.Subscribe(func(n Notification) {
		if n.Event == TokenUpdated {
			seen = s.Get().AccessToken
			s.SetUser(&User{Username: "from-listener"})
		}
	})

	s.Set(&oauth2.Token{AccessToken: "a"})

	assert.Equal(t, "a", seen)
	assert.Equal(t, "from-listener", s.User().Username)
}

func TestStore_ListenerWriteDeliveredAfterCurrent(t *testing.T) {
	s := New(nil, testLogger())
	rec := &recorder{}

	s.Subscribe(func(n Notification) {
		if n.Event == TokenUpdated && n.Token.AccessToken == "a" {
			s.Clear()
		}
	})
	s.Subscribe(rec.record)

	s.Set(&oauth2.Token{AccessToken: "a"})

	assert.Equal(t, []Event{TokenUpdated, Logout}, rec.events())
	assert.Nil(t, s.Get())
}

func TestStore_ConcurrentWritesNotifyInOrder(t *testing.T) {
	s := New(kvstore.NewMemory(), testLogger())
	rec := &recorder{}
	s.Subscribe(rec.record)

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 50 {
				if i%2 == 0 {
					s.Clear()
				} else {
					s.Set(&oauth2.Token{AccessToken: "a"})
				}
			}
		}()
	}

	wg.Wait()

	events := rec.events()
	require.Len(t, events, 8*50)

	if s.Get() == nil {
		assert.Equal(t, Logout, events[len(events)-1])
	} else {
		assert.Equal(t, TokenUpdated, events[len(events)-1])
	}
}

func TestStore_SetIfEpoch(t *testing.T) {
	s := New(nil, testLogger())
	rec := &recorder{}
	s.Subscribe(rec.record)

	epoch := s.Epoch()
	assert.True(t, s.SetIfEpoch(epoch, &oauth2.Token{AccessToken: "a"}))
	assert.Equal(t, "a", s.Get().AccessToken)

	// A Set does not move the epoch, a Clear does.
	s.Set(&oauth2.Token{AccessToken: "b"})
	assert.Equal(t, epoch, s.Epoch())

	s.Clear()
	assert.False(t, s.SetIfEpoch(epoch, &oauth2.Token{AccessToken: "stale"}))
	assert.Nil(t, s.Get())

	assert.False(t, s.SetIfEpoch(s.Epoch(), nil))
	assert.Equal(t, []Event{TokenUpdated, TokenUpdated, Logout}, rec.events())
}

func TestStore_ReloadAdoptsExternalChanges(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	s := New(kv, testLogger())
	rec := &recorder{}
	s.Subscribe(rec.record)

	// Unchanged storage: no notification.
	s.Reload(ctx)
	assert.Empty(t, rec.events())

	require.NoError(t, kv.Set(ctx, kvstore.KeyAccessToken, "external"))
	s.Reload(ctx)
	require.NotNil(t, s.Get())
	assert.Equal(t, "external", s.Get().AccessToken)

	epoch := s.Epoch()

	require.NoError(t, kv.Delete(ctx, kvstore.KeyAccessToken))
	s.Reload(ctx)
	assert.Nil(t, s.Get())
	assert.NotEqual(t, epoch, s.Epoch())

	assert.Equal(t, []Event{TokenUpdated, Logout}, rec.events())
}

func TestParseExpiry(t *testing.T) {
	exp := time.Now().Add(90 * time.Second).Truncate(time.Second)

	got, err := ParseExpiry(signedToken(t, exp))
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))

	_, err = ParseExpiry("not-a-jwt")
	assert.Error(t, err)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "ops"})
	raw, err := noExp.SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = ParseExpiry(raw)
	assert.ErrorIs(t, err, ErrNoExpiry)
}

func TestEvent_String(t *testing.T) {
	assert.Equal(t, "token-updated", TokenUpdated.String())
	assert.Equal(t, "logout", Logout.String())
	assert.Equal(t, "unknown", Event(0).String())
}
