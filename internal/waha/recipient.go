package waha

import "strings"

// ChatSuffix is appended to bare phone numbers to form a chat id.
const ChatSuffix = "@c.us"

// FormatRecipient normalizes a recipient address into a chat id.
// Addresses already containing "@" are assumed pre-formatted and pass
// through unchanged; anything else is stripped to digits and suffixed.
func FormatRecipient(recipient string) string {
	if strings.Contains(recipient, "@") {
		return recipient
	}
	var b strings.Builder
	for _, r := range recipient {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String() + ChatSuffix
}

// MaskRecipient shortens an address for logs: enough to identify,
// never the full number.
func MaskRecipient(recipient string) string {
	if len(recipient) <= 8 {
		return recipient
	}
	return recipient[:8] + "..."
}
