package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionToken mints the per-request identifier used to namespace
// temporary filenames and correlate log lines.
func NewSessionToken() string {
	return uuid.NewString()
}

// ShortToken is the leading segment of a session token, for log output.
func ShortToken(token string) string {
	if i := strings.IndexByte(token, '-'); i > 0 {
		return token[:i]
	}
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// MaskKey hides all but the last four characters of an API key.
func MaskKey(key string) string {
	if key == "" {
		return "none"
	}
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}
