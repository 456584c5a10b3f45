package identity

import (
	"strings"
	"unicode"
)

// MaxSubjectLength is the longest subject id accepted
const MaxSubjectLength = 100

var unsafeSequences = []string{"'", "\"", "<", ">", ";", "--", "/*", "*/", "\\"}

// SafeSubject reports whether id passes the subject safety filter
func SafeSubject(id string) bool {
	if id == "" || len(id) > MaxSubjectLength {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return false
		}
	}
	for _, seq := range unsafeSequences {
		if strings.Contains(id, seq) {
			return false
		}
	}
	return true
}

// BearerToken extracts the credential from an Authorization header value.
// It returns "" when the header is not a bearer header.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
