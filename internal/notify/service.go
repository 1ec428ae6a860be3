package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/agentsim/internal/db"
)

// ErrTokenNotRegistered marks a push target the backend no longer
// recognizes; the service removes such tokens on sight.
var ErrTokenNotRegistered = errors.New("device token not registered")

// Store is the persistence surface the service needs. *db.DB satisfies it.
type Store interface {
	InsertNotification(ctx context.Context, n *db.Notification) error
	ListDeviceTokens(ctx context.Context, userID uuid.UUID) ([]*db.DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, token string) error
	GetNotificationPrefs(ctx context.Context, userID uuid.UUID) (*db.NotificationPrefs, error)
}

// Backend delivers a notification to one device token (FCM in
// production, a logging mock without credentials).
type Backend interface {
	Send(ctx context.Context, deviceToken string, n Notification) error
	Name() string
	Close() error
}

// Service persists and pushes user notifications.
type Service interface {
	Notify(ctx context.Context, userID uuid.UUID, n Notification) error
	Close() error
}

// Notifier implements Service on a Store and a push Backend.
type Notifier struct {
	store   Store
	backend Backend
}

// NewNotifier creates the notification service.
func NewNotifier(store Store, backend Backend) *Notifier {
	return &Notifier{store: store, backend: backend}
}

// Notify writes the inbox row and pushes to every registered device,
// honoring the user's category preferences. Push failures are not fatal
// unless no device could be reached at all.
func (s *Notifier) Notify(ctx context.Context, userID uuid.UUID, n Notification) error {
	prefs, err := s.store.GetNotificationPrefs(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get notification prefs: %w", err)
	}
	if !kindEnabled(prefs, n.Kind) {
		log.Debug().
			Str("user_id", userID.String()).
			Str("kind", string(n.Kind)).
			Msg("Notification category muted by user")
		return nil
	}

	row := &db.Notification{
		UserID: userID,
		Type:   string(n.Kind),
		Title:  n.Title,
		Body:   n.Body,
	}
	if len(n.Data) > 0 {
		row.Data, _ = json.Marshal(n.Data)
	}
	if err := s.store.InsertNotification(ctx, row); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}

	tokens, err := s.store.ListDeviceTokens(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list device tokens: %w", err)
	}
	if len(tokens) == 0 {
		log.Debug().Str("user_id", userID.String()).Msg("No devices registered, inbox only")
		return nil
	}

	var lastErr error
	sent := 0
	for _, t := range tokens {
		err := s.backend.Send(ctx, t.Token, n)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrTokenNotRegistered):
			log.Info().
				Str("user_id", userID.String()).
				Str("device_token", maskToken(t.Token)).
				Msg("Removing stale device token")
			if delErr := s.store.DeleteDeviceToken(ctx, t.Token); delErr != nil {
				log.Warn().Err(delErr).Msg("Failed to remove stale device token")
			}
		default:
			log.Error().
				Err(err).
				Str("user_id", userID.String()).
				Str("device_token", maskToken(t.Token)).
				Msg("Failed to push notification to device")
			lastErr = err
		}
	}

	if sent > 0 {
		log.Info().
			Str("user_id", userID.String()).
			Int("sent_count", sent).
			Int("total_devices", len(tokens)).
			Str("kind", string(n.Kind)).
			Msg("Pushed notification to user devices")
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("failed to push to any device: %w", lastErr)
	}
	return nil
}

// Close releases the push backend.
func (s *Notifier) Close() error {
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}
