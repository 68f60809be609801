package push

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/liveness"
)

type fakeStore struct {
	mu   sync.Mutex
	subs []Subscription
}

func (f *fakeStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Subscription(nil), f.subs...), nil
}

func (f *fakeStore) RemoveSubscription(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.subs[:0]
	for _, s := range f.subs {
		if s.Endpoint != endpoint {
			out = append(out, s)
		}
	}
	f.subs = out
	return nil
}

func fakeResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(nil)}
}

func TestDispatchDeliversToEachSubscription(t *testing.T) {
	store := &fakeStore{subs: []Subscription{{Endpoint: "https://a"}, {Endpoint: "https://b"}}}
	d := New(store, VAPIDKeys{}, zerolog.Nop())

	var mu sync.Mutex
	delivered := map[string]int{}
	d.send = func(message []byte, sub Subscription, keys VAPIDKeys) (*http.Response, error) {
		mu.Lock()
		delivered[sub.Endpoint]++
		mu.Unlock()
		return fakeResponse(http.StatusCreated), nil
	}

	d.dispatch(context.Background(), liveness.HostStatusEvent{Host: "h1", Online: true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered["https://a"] == 1 && delivered["https://b"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchRemovesSubscriptionOnGone(t *testing.T) {
	store := &fakeStore{subs: []Subscription{{Endpoint: "https://dead"}}}
	d := New(store, VAPIDKeys{}, zerolog.Nop())
	d.send = func(message []byte, sub Subscription, keys VAPIDKeys) (*http.Response, error) {
		return fakeResponse(http.StatusGone), nil
	}

	d.dispatch(context.Background(), liveness.HostStatusEvent{Host: "h1", Online: false})

	require.Eventually(t, func() bool {
		subs, _ := store.ListSubscriptions(context.Background())
		return len(subs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRunForwardsHostStatusEventsOnly(t *testing.T) {
	store := &fakeStore{subs: []Subscription{{Endpoint: "https://a"}}}
	d := New(store, VAPIDKeys{}, zerolog.Nop())

	var calls int
	var mu sync.Mutex
	d.send = func(message []byte, sub Subscription, keys VAPIDKeys) (*http.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return fakeResponse(http.StatusOK), nil
	}

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, bus)

	// Give Run time to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.TopicLeaseChanged, "irrelevant")
	bus.Publish(eventbus.TopicHostStatus, liveness.HostStatusEvent{Host: "h1", Online: true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.Equal(t, 1, calls)
}
