// ABOUTME: Tests for relay wire payloads
// ABOUTME: Covers topic parsing, timestamp layouts, and inbound decoding

package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomTopic_RoundTrip(t *testing.T) {
	topic := RoomTopic(42)
	assert.Equal(t, "/topic/rooms/42", topic)

	id, err := ParseRoomTopic(topic)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestParseRoomTopic_Invalid(t *testing.T) {
	for _, topic := range []string{"/topic/rooms/", "/topic/other/1", "/topic/rooms/abc"} {
		_, err := ParseRoomTopic(topic)
		assert.Error(t, err, topic)
	}
}

func TestParseTimestamp_Layouts(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-03-01T10:02:01Z", time.Date(2024, 3, 1, 10, 2, 1, 0, time.UTC)},
		{"2024-03-01T19:02:01+09:00", time.Date(2024, 3, 1, 10, 2, 1, 0, time.UTC)},
		{"2024-03-01T10:02:01", time.Date(2024, 3, 1, 10, 2, 1, 0, time.UTC)},
		{"2024-03-01T10:02:01.250", time.Date(2024, 3, 1, 10, 2, 1, 250_000_000, time.UTC)},
		{"2024-03-01 10:02:01", time.Date(2024, 3, 1, 10, 2, 1, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v want %v", got, tt.want)
		})
	}

	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestDecodeInbound(t *testing.T) {
	data := []byte(`{"csMessageId":101,"userId":9,"content":"hi","createdAt":"2024-03-01T10:02:01","system":false,"agentName":"Dr. Kim"}`)

	msg, err := DecodeInbound(data)
	require.NoError(t, err)
	assert.Equal(t, int64(101), msg.MessageID)
	assert.Equal(t, int64(9), msg.UserID)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "Dr. Kim", msg.AgentName)
	require.NotNil(t, msg.System)
	assert.False(t, *msg.System)
	assert.Equal(t, 2, msg.CreatedAt.Minute())
}

func TestDecodeInbound_MissingID(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"userId":9,"content":"hi"}`))
	assert.Error(t, err)
}

func TestOutboundMessage_OmitsEmptyOptionalFields(t *testing.T) {
	data, err := OutboundMessage{RoomID: 7, Content: "hello"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"csRoomId":7,"content":"hello"}`, string(data))
}
