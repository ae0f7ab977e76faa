package twitch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
)

// MessageKind is the EventSub websocket message_type.
type MessageKind string

const (
	KindWelcome      MessageKind = "session_welcome"
	KindKeepalive    MessageKind = "session_keepalive"
	KindNotification MessageKind = "notification"
	KindReconnect    MessageKind = "session_reconnect"
	KindRevocation   MessageKind = "revocation"
)

// Message is one decoded inbound EventSub frame. The concrete type is one of
// *Welcome, *Keepalive, *Notification, *Reconnect or *Revocation.
type Message interface {
	Kind() MessageKind
	Meta() Metadata
}

type Metadata struct {
	MessageID        string    `json:"message_id"`
	MessageType      string    `json:"message_type"`
	MessageTimestamp time.Time `json:"message_timestamp"`
	SubscriptionType string    `json:"subscription_type,omitempty"`
}

func (m Metadata) Meta() Metadata { return m }

type Welcome struct {
	Metadata
	SessionID        string
	KeepaliveTimeout time.Duration // zero when the server did not announce one
}

type Keepalive struct {
	Metadata
}

type Notification struct {
	Metadata
	SubscriptionType string
	Event            json.RawMessage
	UserID           *string
	UserName         *string
}

type Reconnect struct {
	Metadata
	ReconnectURL string // may be empty
}

type Revocation struct {
	Metadata
	SubscriptionType string
	Status           string
}

func (*Welcome) Kind() MessageKind      { return KindWelcome }
func (*Keepalive) Kind() MessageKind    { return KindKeepalive }
func (*Notification) Kind() MessageKind { return KindNotification }
func (*Reconnect) Kind() MessageKind    { return KindReconnect }
func (*Revocation) Kind() MessageKind   { return KindRevocation }

// wire shapes

type frame struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session *struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds *int   `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type subscriptionPayload struct {
	Subscription *struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type eventUser struct {
	UserID   *string `json:"user_id"`
	UserName *string `json:"user_name"`
}

// ParseMessage decodes one websocket text frame. Anything that cannot be
// classified, or a known kind missing its required fields, is a protocol error.
func ParseMessage(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperrors.ProtocolError("malformed message envelope", err)
	}

	kind := MessageKind(f.Metadata.MessageType)
	switch kind {
	case KindWelcome:
		return parseWelcome(f)
	case KindKeepalive:
		return &Keepalive{Metadata: f.Metadata}, nil
	case KindNotification:
		return parseNotification(f)
	case KindReconnect:
		return parseReconnect(f)
	case KindRevocation:
		return parseRevocation(f)
	case "":
		return nil, apperrors.ProtocolError("message has no metadata.message_type", nil)
	default:
		return nil, apperrors.ProtocolError(fmt.Sprintf("unknown message type %q", kind), nil).
			WithField("message_type", string(kind))
	}
}

func parseWelcome(f frame) (Message, error) {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	if p.Session == nil || p.Session.ID == "" {
		return nil, apperrors.ProtocolError("welcome without payload.session.id", nil)
	}

	w := &Welcome{Metadata: f.Metadata, SessionID: p.Session.ID}
	if p.Session.KeepaliveTimeoutSeconds != nil && *p.Session.KeepaliveTimeoutSeconds > 0 {
		w.KeepaliveTimeout = time.Duration(*p.Session.KeepaliveTimeoutSeconds) * time.Second
	}
	return w, nil
}

func parseReconnect(f frame) (Message, error) {
	var p sessionPayload
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}

	r := &Reconnect{Metadata: f.Metadata}
	if p.Session != nil {
		r.ReconnectURL = p.Session.ReconnectURL
	}
	return r, nil
}

func parseNotification(f frame) (Message, error) {
	var p subscriptionPayload
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	if p.Subscription == nil || p.Subscription.Type == "" {
		return nil, apperrors.ProtocolError("notification without payload.subscription.type", nil)
	}
	if !isJSONObject(p.Event) {
		return nil, apperrors.ProtocolError("notification payload.event is not an object", nil).
			WithField("subscription_type", p.Subscription.Type)
	}

	var user eventUser
	if err := json.Unmarshal(p.Event, &user); err != nil {
		// user_id/user_name of an unexpected type: keep the event, drop the attribution
		user = eventUser{}
	}

	return &Notification{
		Metadata:         f.Metadata,
		SubscriptionType: p.Subscription.Type,
		Event:            p.Event,
		UserID:           user.UserID,
		UserName:         user.UserName,
	}, nil
}

func parseRevocation(f frame) (Message, error) {
	var p subscriptionPayload
	if err := decodePayload(f, &p); err != nil {
		return nil, err
	}
	if p.Subscription == nil || p.Subscription.Type == "" {
		return nil, apperrors.ProtocolError("revocation without payload.subscription.type", nil)
	}
	return &Revocation{
		Metadata:         f.Metadata,
		SubscriptionType: p.Subscription.Type,
		Status:           p.Subscription.Status,
	}, nil
}

func decodePayload(f frame, v any) error {
	if len(f.Payload) == 0 {
		return apperrors.ProtocolError(f.Metadata.MessageType+" without payload", nil)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return apperrors.ProtocolError("malformed "+f.Metadata.MessageType+" payload", err)
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
