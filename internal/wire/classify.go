// ABOUTME: System-message classification for inbound relay payloads
// ABOUTME: Prefers the explicit system flag and falls back to legacy phrases

package wire

import "strings"

// LegacySystemPhrases are matched against messages that carry no system flag.
// Relays that predate the flag announced these events as plain text.
var LegacySystemPhrases = []string{
	"has been assigned to this consultation",
	"has left the consultation",
	"the consultation has ended",
	"consultation room has been closed",
	"is now handling this consultation",
}

// Classifier decides whether an inbound message is a system event.
type Classifier struct {
	// Strict disables the phrase fallback; only the explicit flag counts.
	Strict  bool
	Phrases []string
}

// Classify reports whether msg is a system message.
func (c Classifier) Classify(msg *InboundMessage) bool {
	if msg.System != nil {
		return *msg.System
	}
	if c.Strict {
		return false
	}
	phrases := c.Phrases
	if phrases == nil {
		phrases = LegacySystemPhrases
	}
	content := strings.ToLower(msg.Content)
	for _, p := range phrases {
		if strings.Contains(content, p) {
			return true
		}
	}
	return false
}
