package gateway

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// chatPolicy strips every HTML element and attribute. Policies are safe for
// concurrent use.
var chatPolicy = bluemonday.StrictPolicy()

// sanitizeChat removes markup and script content from a chat message and
// returns the remaining plain text. Rooms render chat as text, never HTML,
// so sanitized entities are unescaped back to their literal characters.
func sanitizeChat(content string) string {
	clean := chatPolicy.Sanitize(content)
	clean = html.UnescapeString(clean)
	return strings.TrimSpace(clean)
}
