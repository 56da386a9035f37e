// Package auth authenticates API callers with bcrypt-hashed bearer keys.
// The resulting principal attributes history records to the user who made
// the adjustment.
package auth

// APIKey is a stored credential. The plaintext secret is never persisted;
// only its bcrypt hash.
type APIKey struct {
	ID      int64  `json:"id" db:"id"`
	Label   string `json:"label" db:"label"`
	KeyHash string `json:"-" db:"key_hash"`
	UserID  int64  `json:"user_id" db:"user_id"`
	Active  bool   `json:"active" db:"active"`
}
