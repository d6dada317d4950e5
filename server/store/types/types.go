// Package types provides data types for persisting relayed messages.
package types

import (
	"time"
)

// StoreError satisfies the error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return "store: " + string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrDuplicate means duplicate value, such as message ID.
	ErrDuplicate = StoreError("duplicate value")
	// ErrDbNotInitialized means the database schema does not exist yet.
	ErrDbNotInitialized = StoreError("database not initialized")
	// ErrDbVersion means the database schema version does not match the adapter.
	ErrDbVersion = StoreError("invalid database version")
)

// Message is a stored direct message. The same record is visible to both
// the sender and the recipient.
type Message struct {
	Id           string     `json:"id" bson:"_id" rethinkdb:"id"`
	Conversation string     `json:"conv" bson:"conv" rethinkdb:"conv"`
	SenderId     string     `json:"from" bson:"from" rethinkdb:"from"`
	RecipientId  string     `json:"to" bson:"to" rethinkdb:"to"`
	Text         string     `json:"text" bson:"text" rethinkdb:"text"`
	Reaction     string     `json:"reaction,omitempty" bson:"reaction,omitempty" rethinkdb:"reaction,omitempty"`
	SentAt       time.Time  `json:"sent" bson:"sent" rethinkdb:"sent"`
	EditedAt     *time.Time `json:"edited,omitempty" bson:"edited,omitempty" rethinkdb:"edited,omitempty"`
}

// ConversationName returns the name of the conversation between two users.
// The name does not depend on the order of arguments.
func ConversationName(user1, user2 string) string {
	if user1 > user2 {
		user1, user2 = user2, user1
	}
	return user1 + ":" + user2
}

// QueryOpt is options of a history query.
type QueryOpt struct {
	// Return messages sent strictly before this time. Zero means no limit.
	Before time.Time
	// Maximum number of messages to return. Zero means adapter's maximum.
	Limit int
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
