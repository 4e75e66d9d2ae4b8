package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/bias"
)

func TestCheckOrigin(t *testing.T) {
	h := NewHub(&HubConfig{AllowedOrigins: []string{"https://app.example.com"}}, zap.NewNop())

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://APP.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, h.checkOrigin(r), tc.origin)
	}

	open := NewHub(&HubConfig{AllowedOrigins: []string{"*"}}, zap.NewNop())
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://anything.test")
	assert.True(t, open.checkOrigin(r))
}

func TestShouldSendToClient(t *testing.T) {
	detection := Event{
		Type: EventTypeBiasDetection,
		Data: BiasDetectionEvent{
			Categories:  []string{bias.CategoryGender},
			MaxSeverity: bias.SeverityMedium,
		},
	}
	status := Event{Type: EventTypeSystemStatus}

	t.Run("NoSubscription", func(t *testing.T) {
		assert.True(t, shouldSendToClient(&Client{}, detection))
		assert.True(t, shouldSendToClient(&Client{}, status))
	})

	t.Run("EventTypes", func(t *testing.T) {
		c := &Client{Subscription: &SubscriptionRequest{Events: []EventType{EventTypeSystemStatus}}}
		assert.False(t, shouldSendToClient(c, detection))
		assert.True(t, shouldSendToClient(c, status))
	})

	t.Run("MinSeverity", func(t *testing.T) {
		c := &Client{Subscription: &SubscriptionRequest{Filter: &EventFilter{MinSeverity: bias.SeverityHigh}}}
		assert.False(t, shouldSendToClient(c, detection))

		c.Subscription.Filter.MinSeverity = bias.SeverityLow
		assert.True(t, shouldSendToClient(c, detection))
	})

	t.Run("Categories", func(t *testing.T) {
		c := &Client{Subscription: &SubscriptionRequest{Filter: &EventFilter{Categories: []string{bias.CategoryStereotype}}}}
		assert.False(t, shouldSendToClient(c, detection))
		assert.True(t, shouldSendToClient(c, status))

		c.Subscription.Filter.Categories = []string{bias.CategoryGender}
		assert.True(t, shouldSendToClient(c, detection))
	})
}

func TestBroadcastEventRespectsConfig(t *testing.T) {
	h := NewHub(&HubConfig{BroadcastDetections: false, BroadcastSystem: true}, zap.NewNop())

	h.BroadcastEvent(Event{Type: EventTypeBiasDetection})
	assert.Len(t, h.broadcast, 0)

	h.BroadcastEvent(Event{Type: EventTypeSystemStatus})
	require.Len(t, h.broadcast, 1)
	ev := <-h.broadcast
	assert.False(t, ev.Timestamp.IsZero())

	h.BroadcastEvent(Event{Type: "unknown"})
	assert.Len(t, h.broadcast, 0)
}

func TestHubDeliversDetections(t *testing.T) {
	h := NewHub(&HubConfig{BroadcastDetections: true, AllowedOrigins: []string{"*"}}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.GetStats().ActiveConnections == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.BroadcastDetection("req-1", BiasDetectionEvent{
		Operation:    "detect",
		Categories:   []string{bias.CategoryGender},
		TotalMatches: 1,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got struct {
		Type      EventType          `json:"type"`
		RequestID string             `json:"request_id"`
		Data      BiasDetectionEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, EventTypeBiasDetection, got.Type)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, []string{bias.CategoryGender}, got.Data.Categories)

	cancel()
	require.Eventually(t, func() bool {
		return h.GetStats().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "198.51.100.4:5000"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, "198.51.100.4", RemoteIP(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", RemoteIP(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}
