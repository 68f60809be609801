// Package push delivers host-status events to Web-Push subscribers,
// signing messages with VAPID and retrying transient delivery failures
// with capped exponential backoff. Permanent failures (410 Gone, 404 Not
// Found) remove the subscription.
package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/liveness"
)

// Subscription is a stored Web-Push endpoint.
type Subscription struct {
	ID        int64
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// Store persists and enumerates push subscriptions. It is satisfied by
// internal/coordinator's SQLite-backed store.
type Store interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	RemoveSubscription(ctx context.Context, endpoint string) error
}

// payload is the wire shape from spec §4.10 / §6.
type payload struct {
	Type string `json:"type"`
	Data struct {
		Host   string `json:"host"`
		Action string `json:"action"`
	} `json:"data"`
}

const (
	maxRetries  = 5
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// VAPIDKeys holds the keypair used to sign Web-Push messages.
type VAPIDKeys struct {
	Public  string
	Private string
	Subject string // mailto: or https: contact URL required by the Web Push protocol
}

// Dispatcher subscribes to host-status events and fans them out as
// Web-Push notifications.
type Dispatcher struct {
	store Store
	keys  VAPIDKeys
	log   zerolog.Logger

	send func(message []byte, sub Subscription, keys VAPIDKeys) (*http.Response, error)
}

// New creates a Dispatcher backed by store, signing messages with keys.
func New(store Store, keys VAPIDKeys, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		keys:  keys,
		log:   log.With().Str("component", "push").Logger(),
		send:  defaultSend,
	}
}

// Run subscribes to bus's host_status topic and dispatches a notification
// for every edge until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(eventbus.TopicHostStatus)
	defer sub.Close()

	eventbus.Drain(ctx, sub, func(evt eventbus.Event) {
		hs, ok := evt.Payload.(liveness.HostStatusEvent)
		if !ok {
			return
		}
		d.dispatch(ctx, hs)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, evt liveness.HostStatusEvent) {
	var p payload
	p.Type = "host_status"
	p.Data.Host = evt.Host
	p.Data.Action = "offline"
	if evt.Online {
		p.Data.Action = "online"
	}

	body, err := json.Marshal(p)
	if err != nil {
		d.log.Error().Err(err).Msg("marshal push payload")
		return
	}

	subs, err := d.store.ListSubscriptions(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("list push subscriptions")
		return
	}

	for _, s := range subs {
		go d.deliverWithRetry(ctx, body, s)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, body []byte, sub Subscription) {
	backoff := baseBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		if done := d.deliverOnce(ctx, body, sub); done {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	d.log.Warn().Str("endpoint", sub.Endpoint).Msg("push delivery exhausted retries")
}

// deliverOnce makes a single delivery attempt and reports whether the
// caller should stop retrying. The response body, if any, is closed
// before this returns rather than held open until deliverWithRetry's
// loop exits.
func (d *Dispatcher) deliverOnce(ctx context.Context, body []byte, sub Subscription) bool {
	resp, err := d.send(body, sub, d.keys)
	if err != nil {
		d.log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("push delivery error")
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		d.log.Info().Str("endpoint", sub.Endpoint).Int("status", resp.StatusCode).Msg("removing dead push subscription")
		if rmErr := d.store.RemoveSubscription(ctx, sub.Endpoint); rmErr != nil {
			d.log.Error().Err(rmErr).Msg("remove dead push subscription")
		}
		return true
	}
	return false
}

func defaultSend(message []byte, sub Subscription, keys VAPIDKeys) (*http.Response, error) {
	return webpush.SendNotification(message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      keys.Subject,
		VAPIDPublicKey:  keys.Public,
		VAPIDPrivateKey: keys.Private,
		TTL:             60,
	})
}

// ErrNoSuchSubscription is returned by Store implementations when
// RemoveSubscription targets an endpoint that no longer exists; callers
// treat it as success since the end state (gone) is the same.
var ErrNoSuchSubscription = errors.New("push: no such subscription")

// IsNoRows reports whether err is sql.ErrNoRows, a convenience for Store
// implementations built on database/sql.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
