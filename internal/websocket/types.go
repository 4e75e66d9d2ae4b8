package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/bias-sentinel/internal/bias"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeBiasDetection is sent for every text found biased
	EventTypeBiasDetection EventType = "bias_detection"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// BiasDetectionEvent describes one biased text. The raw text is never sent.
type BiasDetectionEvent struct {
	Source       string                   `json:"source,omitempty"`
	Operation    string                   `json:"operation"`
	Categories   []string                 `json:"categories"`
	FoundBiases  map[string][]string      `json:"found_biases"`
	Severity     map[string]bias.Severity `json:"severity,omitempty"`
	MaxSeverity  bias.Severity            `json:"max_severity,omitempty"`
	TotalMatches int                      `json:"total_matches"`
	Fingerprint  string                   `json:"fingerprint"`
	ProcessingMS float64                  `json:"processing_ms"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Fingerprint      string `json:"fingerprint,omitempty"`
	ActiveRules      int    `json:"active_rules"`
	ConnectedClients int    `json:"connected_clients"`
	Message          string `json:"message,omitempty"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string               `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest narrows what a client receives
type SubscriptionRequest struct {
	Events []EventType    `json:"events"`
	Filter *EventFilter  `json:"filter,omitempty"`
}

// EventFilter restricts bias_detection events
type EventFilter struct {
	MinSeverity bias.Severity `json:"min_severity,omitempty"`
	Categories  []string      `json:"categories,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	IP           string
	UserAgent    string
}
