// ABOUTME: Wire payloads for the consultation relay topics and send destination
// ABOUTME: Handles timestamp parsing and system-message classification

package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SendDestination is the application destination for outbound chat messages.
	SendDestination = "/app/chat.sendMessage"

	roomTopicPrefix = "/topic/rooms/"
)

// RoomTopic returns the topic every message of roomID is fanned out on.
func RoomTopic(roomID int64) string {
	return roomTopicPrefix + strconv.FormatInt(roomID, 10)
}

// ParseRoomTopic extracts the room id from a room topic.
func ParseRoomTopic(topic string) (int64, error) {
	raw, ok := strings.CutPrefix(topic, roomTopicPrefix)
	if !ok || raw == "" {
		return 0, fmt.Errorf("not a room topic: %q", topic)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid room id in topic %q: %w", topic, err)
	}
	return id, nil
}

// InboundMessage is a message delivered on a room topic.
type InboundMessage struct {
	MessageID      int64     `json:"csMessageId"`
	UserID         int64     `json:"userId"`
	Content        string    `json:"content"`
	CreatedAt      Timestamp `json:"createdAt"`
	System         *bool     `json:"system,omitempty"`
	AgentName      string    `json:"agentName,omitempty"`
	AgentAvatarURL string    `json:"agentAvatarUrl,omitempty"`
	ClientMsgID    string    `json:"clientMsgId,omitempty"`
}

// OutboundMessage is the payload published to SendDestination.
type OutboundMessage struct {
	RoomID      int64  `json:"csRoomId"`
	Content     string `json:"content"`
	System      bool   `json:"system,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// DecodeInbound parses an inbound topic payload.
func DecodeInbound(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding inbound message: %w", err)
	}
	if msg.MessageID == 0 {
		return nil, fmt.Errorf("decoding inbound message: missing csMessageId")
	}
	return &msg, nil
}

// Encode marshals the outbound payload.
func (m OutboundMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Timestamp is an ISO-8601 instant. Zone-less date-times, as produced by
// relays that serialize local date-times, are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses any of the accepted ISO-8601 layouts.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// UnmarshalJSON accepts a string in any supported layout, or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes RFC3339 with nanoseconds in UTC.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
