// internal/models/record.go
package models

import "fmt"

// Record is the versioned-entity envelope shared by templates and routing
// configurations. Identity is the (owner, id) pair; the owner attribute is
// the partition key in the backing store and carries the client prefix.
//
// LockNumber starts at 0 on create and advances by exactly 1 on every
// successful conditional write. Timestamps are set by the store layer, never
// by callers.
type Record struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	ClientID   string `json:"clientId"`
	LockNumber int64  `json:"lockNumber"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
	CreatedBy  string `json:"createdBy,omitempty"`
	UpdatedBy  string `json:"updatedBy,omitempty"`
	TTL        int64  `json:"ttl,omitempty"`
}

// User identifies the caller performing a mutation.
type User struct {
	ClientID       string
	InternalUserID string
}

// ClientOwnerKey builds the owner partition key for a client.
func ClientOwnerKey(clientID string) string {
	return fmt.Sprintf("CLIENT#%s", clientID)
}

// InternalUserKey builds the createdBy/updatedBy attribution key.
func InternalUserKey(user User) string {
	return fmt.Sprintf("INTERNAL_USER#%s", user.InternalUserID)
}
