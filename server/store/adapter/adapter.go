// Package adapter contains the interfaces to be implemented by the database adapter
package adapter

import (
	"encoding/json"
	"time"

	t "github.com/directim/relay/server/store/types"
)

// Adapter is the interface that must be implemented by a database
// adapter. The current schema supports a single connection by database type.
type Adapter interface {
	// General

	// Open and configure the adapter
	Open(config json.RawMessage) error
	// Close the adapter
	Close() error
	// IsOpen checks if the adapter is ready for use
	IsOpen() bool
	// GetDbVersion returns current database version.
	GetDbVersion() (int, error)
	// CheckDbVersion checks if the actual database version matches adapter version.
	CheckDbVersion() error
	// GetName returns the name of the adapter
	GetName() string
	// SetMaxResults configures how many results can be returned in a single DB call.
	SetMaxResults(val int) error
	// CreateDb creates the database optionally dropping an existing database first.
	CreateDb(reset bool) error
	// Version returns adapter version
	Version() int
	// Stats returns the DB connection stats object.
	Stats() any

	// Messages

	// MessageSave saves a new message. Saving the same ID twice is ErrDuplicate.
	MessageSave(msg *t.Message) error
	// MessageUpdate replaces the text of the message sent by senderId. Returns ErrNotFound
	// if there is no such message from this sender.
	MessageUpdate(id, senderId, text string, editedAt time.Time) error
	// MessageGetAll returns messages exchanged between two users, newest first.
	MessageGetAll(userId, contactId string, opts *t.QueryOpt) ([]t.Message, error)
}
