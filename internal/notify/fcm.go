package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// FCMBackend implements Backend over Firebase Cloud Messaging. Without
// credentials it degrades to a mock that logs instead of sending, so the
// rest of the pipeline works in development.
type FCMBackend struct {
	client *messaging.Client
	mock   bool
}

// NewFCMBackend creates an FCM backend from a service-account credentials
// file. An empty or missing path yields the mock backend.
func NewFCMBackend(ctx context.Context, credentialsPath string) (*FCMBackend, error) {
	if credentialsPath == "" {
		log.Warn().Msg("No FCM credentials configured, using mock push backend")
		return &FCMBackend{mock: true}, nil
	}
	if _, err := os.Stat(credentialsPath); os.IsNotExist(err) {
		log.Warn().
			Str("credentials_path", credentialsPath).
			Msg("FCM credentials file not found, using mock push backend")
		return &FCMBackend{mock: true}, nil
	}

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	log.Info().Msg("Initialized FCM push backend")
	return &FCMBackend{client: client}, nil
}

// Send delivers one notification to one device token. A token FCM
// reports as unregistered comes back as ErrTokenNotRegistered so the
// service can drop it.
func (f *FCMBackend) Send(ctx context.Context, deviceToken string, n Notification) error {
	if f.mock {
		return f.sendMock(deviceToken, n)
	}

	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	}
	if n.Priority == PriorityHigh {
		msg.Android = &messaging.AndroidConfig{Priority: "high"}
		msg.APNS = &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
		}
	}

	response, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %s", ErrTokenNotRegistered, maskToken(deviceToken))
		}
		return fmt.Errorf("failed to send FCM message: %w", err)
	}

	log.Debug().
		Str("message_id", response).
		Str("device_token", maskToken(deviceToken)).
		Str("kind", string(n.Kind)).
		Msg("Sent FCM notification")
	return nil
}

// sendMock logs the notification instead of sending it.
func (f *FCMBackend) sendMock(deviceToken string, n Notification) error {
	dataJSON, _ := json.Marshal(n.Data)
	log.Info().
		Str("backend", "fcm_mock").
		Str("device_token", maskToken(deviceToken)).
		Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Str("body", n.Body).
		Str("data", string(dataJSON)).
		Msg("Mock FCM notification (not actually sent)")
	return nil
}

// Name returns the backend name for logs.
func (f *FCMBackend) Name() string {
	if f.mock {
		return "fcm_mock"
	}
	return "fcm"
}

// Close is a no-op; the FCM client holds no long-lived connection.
func (f *FCMBackend) Close() error {
	log.Debug().Str("backend", f.Name()).Msg("Closed push backend")
	return nil
}

// IsMock reports whether this backend only logs.
func (f *FCMBackend) IsMock() bool {
	return f.mock
}

// ValidateToken pre-screens a device token before registration. Real
// validation happens when sending; this just rejects obvious garbage.
func ValidateToken(token string) bool {
	if len(token) < 100 || len(token) > 200 {
		return false
	}
	for _, ch := range token {
		valid := (ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == ':'
		if !valid {
			return false
		}
	}
	return true
}
