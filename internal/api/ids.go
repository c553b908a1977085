package api

import "regexp"

var (
	publicIDPattern = regexp.MustCompile(`^n_(?:[0-9A-Za-z]{8}|[0-9A-Za-z]{12})$`)
	legacyIDPattern = regexp.MustCompile(`^btn_[A-Za-z0-9_-]{16}$`)
)

// ValidButtonID reports whether id is a public button ID (n_ followed by 8 or
// 12 base62 characters) or a legacy one (btn_ followed by 16 base64url
// characters).
func ValidButtonID(id string) bool {
	return publicIDPattern.MatchString(id) || legacyIDPattern.MatchString(id)
}
