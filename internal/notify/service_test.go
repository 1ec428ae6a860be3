package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/agentsim/internal/db"
)

type fakeStore struct {
	prefs     *db.NotificationPrefs
	prefsErr  error
	tokens    []*db.DeviceToken
	tokensErr error
	inserted  []*db.Notification
	insertErr error
	deleted   []string
}

func (f *fakeStore) InsertNotification(ctx context.Context, n *db.Notification) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, n)
	return nil
}

func (f *fakeStore) ListDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error) {
	return f.tokens, f.tokensErr
}

func (f *fakeStore) DeleteDeviceToken(ctx context.Context, token string) error {
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeStore) GetNotificationPrefs(ctx context.Context, userID uuid.UUID) (*db.NotificationPrefs, error) {
	if f.prefsErr != nil {
		return nil, f.prefsErr
	}
	if f.prefs != nil {
		return f.prefs, nil
	}
	return &db.NotificationPrefs{
		UserID:         userID,
		SessionEvents:  true,
		TradeEvents:    true,
		AutoStopEvents: true,
	}, nil
}

type push struct {
	token string
	n     Notification
}

type fakeBackend struct {
	sent   []push
	errFor map[string]error
	closed bool
}

func (f *fakeBackend) Send(ctx context.Context, token string, n Notification) error {
	if err := f.errFor[token]; err != nil {
		return err
	}
	f.sent = append(f.sent, push{token: token, n: n})
	return nil
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func deviceTokens(userID uuid.UUID, tokens ...string) []*db.DeviceToken {
	out := make([]*db.DeviceToken, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, &db.DeviceToken{
			ID:       uuid.New(),
			UserID:   userID,
			Token:    tok,
			Platform: "android",
		})
	}
	return out
}

func TestNotifyPersistsAndPushes(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{tokens: deviceTokens(userID, "tok-phone", "tok-tablet")}
	backend := &fakeBackend{}
	svc := NewNotifier(store, backend)

	n := Notification{
		Kind:     KindTrade,
		Title:    "BTCUSDT closed (stop_loss)",
		Body:     "long BTCUSDT: -100.00 (-1.50%)",
		Data:     map[string]string{"pnl": "-100", "close_reason": "stop_loss"},
		Priority: PriorityNormal,
	}

	require.NoError(t, svc.Notify(context.Background(), userID, n))

	require.Len(t, store.inserted, 1)
	row := store.inserted[0]
	assert.Equal(t, userID, row.UserID)
	assert.Equal(t, "trade", row.Type)
	assert.Equal(t, "BTCUSDT closed (stop_loss)", row.Title)
	assert.JSONEq(t, `{"pnl":"-100","close_reason":"stop_loss"}`, string(row.Data))

	require.Len(t, backend.sent, 2)
	assert.Equal(t, "tok-phone", backend.sent[0].token)
	assert.Equal(t, "tok-tablet", backend.sent[1].token)
	assert.Equal(t, KindTrade, backend.sent[0].n.Kind)
}

func TestNotifyHonorsMutedCategory(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{
		prefs: &db.NotificationPrefs{
			UserID:         userID,
			SessionEvents:  true,
			TradeEvents:    false,
			AutoStopEvents: true,
		},
		tokens: deviceTokens(userID, "tok-phone"),
	}
	backend := &fakeBackend{}
	svc := NewNotifier(store, backend)

	err := svc.Notify(context.Background(), userID, Notification{Kind: KindTrade, Title: "muted"})
	require.NoError(t, err)
	assert.Empty(t, store.inserted, "muted categories write nothing")
	assert.Empty(t, backend.sent)

	// Other categories still go through.
	err = svc.Notify(context.Background(), userID, Notification{Kind: KindAutoStop, Title: "loss limit"})
	require.NoError(t, err)
	assert.Len(t, store.inserted, 1)
	assert.Len(t, backend.sent, 1)
}

func TestNotifyInboxOnlyWithoutDevices(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{}
	backend := &fakeBackend{}
	svc := NewNotifier(store, backend)

	err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession, Title: "done"})
	require.NoError(t, err)
	assert.Len(t, store.inserted, 1)
	assert.Empty(t, backend.sent)
}

func TestNotifyDropsStaleTokens(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{tokens: deviceTokens(userID, "tok-stale", "tok-live")}
	backend := &fakeBackend{
		errFor: map[string]error{
			"tok-stale": fmt.Errorf("fcm: %w", ErrTokenNotRegistered),
		},
	}
	svc := NewNotifier(store, backend)

	err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession, Title: "done"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-stale"}, store.deleted)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, "tok-live", backend.sent[0].token)
}

func TestNotifyStaleTokenAloneIsNotAnError(t *testing.T) {
	userID := uuid.New()
	store := &fakeStore{tokens: deviceTokens(userID, "tok-stale")}
	backend := &fakeBackend{
		errFor: map[string]error{"tok-stale": ErrTokenNotRegistered},
	}
	svc := NewNotifier(store, backend)

	err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession, Title: "done"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-stale"}, store.deleted)
}

func TestNotifyFailsWhenNoDeviceReachable(t *testing.T) {
	userID := uuid.New()
	vendorDown := errors.New("fcm unavailable")
	store := &fakeStore{tokens: deviceTokens(userID, "tok-a", "tok-b")}
	backend := &fakeBackend{
		errFor: map[string]error{"tok-a": vendorDown, "tok-b": vendorDown},
	}
	svc := NewNotifier(store, backend)

	err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession, Title: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to push to any device")
	assert.Len(t, store.inserted, 1, "inbox row persists even when every push fails")
}

func TestNotifyPropagatesStoreErrors(t *testing.T) {
	userID := uuid.New()

	t.Run("prefs lookup", func(t *testing.T) {
		store := &fakeStore{prefsErr: errors.New("db down")}
		svc := NewNotifier(store, &fakeBackend{})
		err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "notification prefs")
	})

	t.Run("insert", func(t *testing.T) {
		store := &fakeStore{insertErr: errors.New("db down")}
		svc := NewNotifier(store, &fakeBackend{})
		err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "persist notification")
	})

	t.Run("token listing", func(t *testing.T) {
		store := &fakeStore{tokensErr: errors.New("db down")}
		svc := NewNotifier(store, &fakeBackend{})
		err := svc.Notify(context.Background(), userID, Notification{Kind: KindSession})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device tokens")
	})
}

func TestNotifierClose(t *testing.T) {
	backend := &fakeBackend{}
	svc := NewNotifier(&fakeStore{}, backend)
	require.NoError(t, svc.Close())
	assert.True(t, backend.closed)
}

func TestKindEnabled(t *testing.T) {
	prefs := &db.NotificationPrefs{SessionEvents: true, TradeEvents: false, AutoStopEvents: true}

	assert.True(t, kindEnabled(prefs, KindSession))
	assert.False(t, kindEnabled(prefs, KindTrade))
	assert.True(t, kindEnabled(prefs, KindAutoStop))
	assert.False(t, kindEnabled(prefs, Kind("mystery")))
	assert.True(t, kindEnabled(nil, KindTrade), "missing prefs mean everything is on")
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
	}{
		{name: "short token", token: "abc", expected: "***"},
		{name: "normal token", token: "abcd1234efgh5678", expected: "abcd...5678"},
		{name: "long token", token: "very_long_firebase_token_here_1234567890", expected: "very...7890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskToken(tt.token))
		})
	}
}
