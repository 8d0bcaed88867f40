package notify

import (
	"context"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"example.com/coldwatch/config"
)

// DispatchResult reports the outcome of one multicast send
type DispatchResult struct {
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// Dispatcher sends push notifications to a set of device tokens.
// Delivery is attempted at most once per call; failed tokens are not retried.
type Dispatcher interface {
	SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (DispatchResult, error)
}

// FCMDispatcher implements Dispatcher using Firebase Cloud Messaging
type FCMDispatcher struct {
	client  *messaging.Client
	enabled bool
}

// NewFCMDispatcher initializes the Firebase app once at startup and returns
// a dispatcher bound to its messaging client.
func NewFCMDispatcher(ctx context.Context, cfg config.FirebaseConfig) (*FCMDispatcher, error) {
	if !cfg.Enabled {
		log.Warn().Msg("Firebase disabled, push notifications will not be sent")
		return &FCMDispatcher{enabled: false}, nil
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		return nil, errors.New("firebase credentials not configured")
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize Firebase app")
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create FCM messaging client")
	}

	return &FCMDispatcher{
		client:  client,
		enabled: true,
	}, nil
}

// Disabled returns a dispatcher that drops every message
func Disabled() *FCMDispatcher {
	return &FCMDispatcher{enabled: false}
}

// SendMulticast sends one push message to every token
func (d *FCMDispatcher) SendMulticast(ctx context.Context, tokens []string, title, body string, data map[string]string) (DispatchResult, error) {
	if !d.enabled {
		return DispatchResult{}, nil
	}

	if len(tokens) == 0 {
		log.Warn().Str("title", title).Msg("No push tokens registered, skipping dispatch")
		return DispatchResult{}, nil
	}

	message := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
	}

	response, err := d.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return DispatchResult{FailureCount: len(tokens)}, errors.Wrap(err, "failed to send multicast message")
	}

	return DispatchResult{
		SuccessCount: response.SuccessCount,
		FailureCount: response.FailureCount,
	}, nil
}
