package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SubscriptionType identifies what kind of target a subscription refers to
type SubscriptionType string

const (
	SubscriptionStock  SubscriptionType = "stock"
	SubscriptionMarket SubscriptionType = "market"
	SubscriptionSector SubscriptionType = "sector"
)

// Client message types (closed set - anything else is INVALID_MESSAGE)
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePing         = "ping"
	TypeRefreshToken = "refresh_token"
	TypeReconnect    = "reconnect"
	TypeFreeze       = "freeze"
	TypeResume       = "resume"
)

// Server message types
const (
	TypePriceUpdate     = "price_update"
	TypeOrderbookUpdate = "orderbook_update"
	TypeMarketStatus    = "market_status"
	TypeAlert           = "alert"
	TypeError           = "error"
	TypePong            = "pong"
	TypeBatch           = "batch"
	TypeSubscribed      = "subscribed"
	TypeUnsubscribed    = "unsubscribed"
	TypeReconnected     = "reconnected"
	TypeConnected       = "connected"
)

// Error codes sent inside error frames
const (
	CodeInvalidMessage           = "INVALID_MESSAGE"
	CodeInvalidToken             = "INVALID_TOKEN"
	CodeTokenRefreshError        = "TOKEN_REFRESH_ERROR"
	CodeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	CodeSubscriptionError        = "SUBSCRIPTION_ERROR"
	CodeSessionRestorationFailed = "SESSION_RESTORATION_FAILED"
	CodeInternalError            = "INTERNAL_ERROR"
)

// MaxTargetsPerRequest bounds a single subscribe/unsubscribe request
const MaxTargetsPerRequest = 100

// ClientMessage is the inbound frame. Type selects which of the optional
// fields are meaningful.
type ClientMessage struct {
	Type             string           `json:"type"`
	SubscriptionType SubscriptionType `json:"subscription_type,omitempty"`
	Targets          []string         `json:"targets,omitempty"`
	Token            string           `json:"token,omitempty"`
	SessionID        string           `json:"session_id,omitempty"`
	Timestamp        int64            `json:"timestamp,omitempty"`
}

// ServerMessage is the outbound frame. Every top-level frame written to the
// wire carries Timestamp and the connection-scoped Sequence; messages nested
// inside a batch frame keep their own type/data but no sequence of their own.
type ServerMessage struct {
	Type      string           `json:"type"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
	Details   interface{}      `json:"details,omitempty"`
	Data      interface{}      `json:"data,omitempty"`
	BatchSize int              `json:"batch_size,omitempty"`
	Messages  []*ServerMessage `json:"messages,omitempty"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Timestamp int64            `json:"timestamp"`

	// CoalesceKey groups repeated updates for the same target inside one
	// batch window; only the latest survives the flush. Never serialized.
	CoalesceKey string `json:"-"`
}

// NewServerMessage creates an outbound frame of the given type with the
// timestamp already stamped.
func NewServerMessage(msgType string, data interface{}) *ServerMessage {
	return &ServerMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewErrorMessage creates an error frame from the closed code taxonomy.
func NewErrorMessage(code, message string, details interface{}) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ParseClientMessage decodes and validates an inbound frame. The returned
// error is client-facing: it maps to an INVALID_MESSAGE error frame and the
// connection stays open.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}

	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if !msg.SubscriptionType.Valid() {
			return nil, fmt.Errorf("unknown subscription_type %q", msg.SubscriptionType)
		}
		targets := normalizeTargets(msg.Targets)
		if len(targets) == 0 {
			return nil, fmt.Errorf("no targets provided")
		}
		if len(targets) > MaxTargetsPerRequest {
			return nil, fmt.Errorf("too many targets: %d (max %d)", len(targets), MaxTargetsPerRequest)
		}
		msg.Targets = targets
	case TypeReconnect:
		if msg.SessionID == "" {
			return nil, fmt.Errorf("reconnect requires session_id")
		}
	case TypeRefreshToken:
		if msg.Token == "" {
			return nil, fmt.Errorf("refresh_token requires token")
		}
	case TypePing, TypeFreeze, TypeResume:
		// no payload
	default:
		return nil, fmt.Errorf("unrecognized message type %q", msg.Type)
	}

	return &msg, nil
}

// Valid reports whether the subscription type is one of the closed set.
func (t SubscriptionType) Valid() bool {
	switch t {
	case SubscriptionStock, SubscriptionMarket, SubscriptionSector:
		return true
	}
	return false
}

// TargetKey builds the subscription index key for a (type, identifier) pair.
func TargetKey(subType SubscriptionType, id string) string {
	return string(subType) + ":" + id
}

func normalizeTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
