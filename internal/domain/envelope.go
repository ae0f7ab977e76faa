package domain

import "encoding/json"

// NotificationEnvelope is the normalized message fanned out to listeners for
// each upstream notification. Built per notification, never stored.
type NotificationEnvelope struct {
	ChannelID string          `json:"channelId"`
	EventType string          `json:"eventType"`
	Event     json.RawMessage `json:"event"`
	UserID    *string         `json:"userId"`
	UserName  *string         `json:"userName"`
}

// Broadcaster delivers envelopes to downstream listeners.
type Broadcaster interface {
	Broadcast(env NotificationEnvelope)
}
