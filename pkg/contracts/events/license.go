// Package events defines the messages pushed to WebSocket clients.
package events

import "time"

// MessageType names a WebSocket message.
type MessageType string

// License event messages are LicensePrefix followed by the event type.
const (
	MessageTypeConnection MessageType = "connection"

	LicensePrefix = "license:"

	MessageTypeTokenImported  MessageType = LicensePrefix + "token_imported"
	MessageTypeTokenActivated MessageType = LicensePrefix + "token_activated"
	MessageTypeUsageRecorded  MessageType = LicensePrefix + "usage_recorded"
	MessageTypeReset          MessageType = LicensePrefix + "reset"
)

// Message is the JSON frame written to every client.
type Message struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// ConnectionData is the payload of the first message a client receives.
type ConnectionData struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}
