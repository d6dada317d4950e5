// Package store provides methods for registering and accessing database adapters.
package store

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/store/adapter"
	"github.com/directim/relay/server/store/types"
)

// Used when the config does not provide a key.
var defaultUidKey = []byte("la6YsO+bNX/+XIkO")

var adp adapter.Adapter
var availableAdapters = make(map[string]adapter.Adapter)

// Unique ID generator
var uGen types.UidGenerator

type configType struct {
	// 16-byte key for XTEA. Used to initialize types.UidGenerator.
	UidKey []byte `json:"uid_key"`
	// Maximum number of results to return from adapter.
	MaxResults int `json:"max_results"`
	// AES key (16, 24 or 32 bytes) for encrypting message text at rest.
	// Empty value disables encryption.
	EncryptionKey []byte `json:"encryption_key"`
	// DB adapter name to use. Should be one of those specified in `Adapters`.
	// Empty value disables message persistence.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(workerId int, jsonconf json.RawMessage) error {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
		}
	}

	// Initialize snowflake.
	if workerId < 0 || workerId > 1023 {
		return errors.New("store: invalid worker ID")
	}
	if len(config.UidKey) == 0 {
		config.UidKey = defaultUidKey
	}
	if err := uGen.Init(uint(workerId), config.UidKey); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	if config.UseAdapter == "" {
		logs.Warn.Println("store: db adapter is not specified, messages will not be persisted")
		return nil
	}

	es, err := NewMessageEncryptionService(config.EncryptionKey)
	if err != nil {
		return errors.New("store: " + err.Error())
	}
	messageEncryptionService = es
	if es.IsEnabled() {
		logs.Info.Println("store: message encryption at rest enabled")
	}

	if adp == nil {
		if ad, ok := availableAdapters[config.UseAdapter]; ok {
			adp = ad
		} else {
			return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	if err := adp.SetMaxResults(config.MaxResults); err != nil {
		return err
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// PersistentStorageInterface defines methods used for interation with persistent storage.
type PersistentStorageInterface interface {
	Open(workerId int, jsonconf json.RawMessage) error
	Close() error
	IsOpen() bool
	GetAdapterName() string
	GetAdapterVersion() int
	GetDbVersion() int
	InitDb(jsonconf json.RawMessage, reset bool) error
	GetUidString() string
	DbStats() func() any
}

// Store is the main object for interacting with persistent storage.
var Store PersistentStorageInterface

type storeObj struct{}

// Open initializes the persistence system. Adapter holds a connection pool for a database instance.
//
//	workerId - snowflake worker ID of this process
//	jsonconf - configuration string
func (storeObj) Open(workerId int, jsonconf json.RawMessage) error {
	if err := openAdapter(workerId, jsonconf); err != nil {
		return err
	}
	if adp == nil {
		return nil
	}
	return adp.CheckDbVersion()
}

// Close terminates connection to persistent storage.
func (storeObj) Close() error {
	if adp != nil && adp.IsOpen() {
		return adp.Close()
	}
	return nil
}

// IsOpen checks if persistent storage connection has been initialized.
func (storeObj) IsOpen() bool {
	if adp != nil {
		return adp.IsOpen()
	}
	return false
}

// GetAdapterName returns the name of the current adater.
func (storeObj) GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}
	return ""
}

// GetAdapterVersion returns version of the current adater.
func (storeObj) GetAdapterVersion() int {
	if adp != nil {
		return adp.Version()
	}
	return -1
}

// GetDbVersion returns version of the underlying database.
func (storeObj) GetDbVersion() int {
	if adp != nil {
		vers, _ := adp.GetDbVersion()
		return vers
	}
	return -1
}

// InitDb creates and configures a new database instance. If 'reset' is true it will first
// attempt to drop an existing database. If jsonconf is nil it will assume that the adapter
// is already opened.
func (s storeObj) InitDb(jsonconf json.RawMessage, reset bool) error {
	if jsonconf != nil {
		if err := openAdapter(1, jsonconf); err != nil {
			return err
		}
	}
	if adp == nil {
		return errors.New("store: db adapter is not configured")
	}
	return adp.CreateDb(reset)
}

// GetUidString generates a unique ID suitable for use as a connection handle.
func (storeObj) GetUidString() string {
	return uGen.GetStr()
}

// DbStats returns a callback returning db connection stats object.
func (s storeObj) DbStats() func() any {
	if !s.IsOpen() {
		return nil
	}
	return adp.Stats
}

// RegisterAdapter makes a persistence adapter available.
// If Register is called twice or if the adapter is nil, it panics.
func RegisterAdapter(a adapter.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// GetAvailableAdapters returns names of registered adapters sorted alphabetically.
func GetAvailableAdapters() []string {
	var names []string
	for name := range availableAdapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MessagesPersistenceInterface is an interface which defines methods for persistent storage of messages.
type MessagesPersistenceInterface interface {
	Save(msg *types.Message) error
	Update(id, senderId, text string, editedAt time.Time) error
	GetAll(userId, contactId string, opts *types.QueryOpt) ([]types.Message, error)
}

// messagesMapper is a concrete type implementing MessagesPersistenceInterface.
type messagesMapper struct{}

// Messages is a singleton ancor object exporting MessagesPersistenceInterface methods.
var Messages MessagesPersistenceInterface

// Save persists a message. The conversation name is filled in.
func (messagesMapper) Save(msg *types.Message) error {
	msg.Conversation = types.ConversationName(msg.SenderId, msg.RecipientId)
	text, err := messageEncryptionService.EncryptText(msg.Text)
	if err != nil {
		return err
	}
	rec := *msg
	rec.Text = text
	return adp.MessageSave(&rec)
}

// Update replaces the text of a message sent by senderId.
func (messagesMapper) Update(id, senderId, text string, editedAt time.Time) error {
	text, err := messageEncryptionService.EncryptText(text)
	if err != nil {
		return err
	}
	return adp.MessageUpdate(id, senderId, text, editedAt)
}

// GetAll returns the history of messages between two users, newest first.
func (messagesMapper) GetAll(userId, contactId string, opts *types.QueryOpt) ([]types.Message, error) {
	msgs, err := adp.MessageGetAll(userId, contactId, opts)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].Text, err = messageEncryptionService.DecryptText(msgs[i].Text); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func init() {
	Store = storeObj{}
	Messages = messagesMapper{}
}
