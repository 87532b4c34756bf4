package protocol

import "regexp"

// Close codes sent when the server ends a viewer connection.
const (
	CloseNormal           = 1000
	CloseInvalidSessionID = 4400
	CloseSessionNotFound  = 4404
	CloseKeepaliveTimeout = 4408
)

const MaxSessionIDLength = 64

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidSessionID reports whether id is an acceptable session key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
