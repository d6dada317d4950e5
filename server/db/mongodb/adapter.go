// Package mongodb is a database adapter for MongoDB.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/directim/relay/server/db/common"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/store"
	t "github.com/directim/relay/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

// adapter holds MongoDB connection data.
type adapter struct {
	conn       *mdb.Client
	db         *mdb.Database
	dbName     string
	maxResults int
	version    int
	ctx        context.Context
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "directim"

	adpVersion  = 100
	adapterName = "mongodb"

	defaultMaxResults = 1024
)

// See https://godoc.org/go.mongodb.org/mongo-driver/mongo/options#ClientOptions for explanations.
type configType struct {
	// Connection string URI https://www.mongodb.com/docs/manual/reference/connection-string/
	Uri            string `json:"uri,omitempty"`
	Addresses      any    `json:"addresses,omitempty"`
	ConnectTimeout int    `json:"timeout,omitempty"`

	// Fields below can be defined in Uri too.
	ReplicaSet string `json:"replica_set,omitempty"`
	Database   string `json:"database,omitempty"`

	// Authentication options
	AuthMechanism string `json:"auth_mechanism,omitempty"`
	AuthSource    string `json:"auth_source,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
}

// parseAddresses accepts a single "host:port" string or a list of them.
func parseAddresses(addr any) ([]string, error) {
	switch v := addr.(type) {
	case nil:
		return []string{defaultHost}, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		hosts := make([]string, 0, len(v))
		for _, h := range v {
			host, ok := h.(string)
			if !ok {
				return nil, errors.New("adapter mongodb failed to parse config.Addresses")
			}
			hosts = append(hosts, host)
		}
		return hosts, nil
	}
	return nil, errors.New("adapter mongodb failed to parse config.Addresses")
}

// Open initializes mongodb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter mongodb failed to parse config: " + err.Error())
		}
	}

	var opts mdbopts.ClientOptions
	if config.Uri != "" {
		opts.ApplyURI(config.Uri)
	} else {
		hosts, err := parseAddresses(config.Addresses)
		if err != nil {
			return err
		}
		opts.SetHosts(hosts)
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}

	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(config.ConnectTimeout) * time.Second)
	}

	if config.Username != "" {
		if config.AuthMechanism == "" {
			config.AuthMechanism = "SCRAM-SHA-256"
		}
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: config.AuthMechanism,
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   config.Password != "",
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	var err error
	a.ctx = context.Background()
	a.conn, err = mdb.Connect(a.ctx, &opts)
	if err != nil {
		a.conn = nil
		return err
	}
	a.db = a.conn.Database(a.dbName)
	a.version = -1

	return nil
}

// Close the adapter
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(a.ctx)
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen checks if the adapter is ready for use
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	var result struct {
		Key   string `bson:"_id"`
		Value int    `bson:"value"`
	}
	if err := a.db.Collection("kvmeta").FindOne(a.ctx, b.M{"_id": "version"}).Decode(&result); err != nil {
		if err == mdb.ErrNoDocuments {
			err = t.ErrDbNotInitialized
		}
		return -1, err
	}

	a.version = result.Value
	return result.Value, nil
}

// CheckDbVersion checks whether the actual DB version matches the expected version of this adapter.
func (a *adapter) CheckDbVersion() error {
	version, err := a.GetDbVersion()
	if err != nil {
		return err
	}
	if version != adpVersion {
		return fmt.Errorf("%w: got %d, expected %d", t.ErrDbVersion, version, adpVersion)
	}
	return nil
}

// Version returns adapter version
func (adapter) Version() int {
	return adpVersion
}

// GetName returns the name of the adapter
func (adapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *adapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// Stats returns DB connection stats object.
func (a *adapter) Stats() any {
	if a.conn == nil {
		return nil
	}
	return map[string]any{
		"SessionsInProgress": a.conn.NumberSessionsInProgress(),
	}
}

// CreateDb creates the database optionally dropping an existing database first.
func (a *adapter) CreateDb(reset bool) error {
	if reset {
		logs.Info.Println("mongodb: dropping database", a.dbName)
		if err := a.db.Drop(a.ctx); err != nil {
			return err
		}
	} else if _, err := a.GetDbVersion(); err == nil {
		return errors.New("database " + a.dbName + " already exists")
	}

	// Messages are read per conversation, newest first.
	if _, err := a.db.Collection("messages").Indexes().CreateOne(a.ctx, mdb.IndexModel{
		Keys: b.D{{Key: "conv", Value: 1}, {Key: "sent", Value: -1}},
	}); err != nil {
		return err
	}

	if _, err := a.db.Collection("kvmeta").InsertOne(a.ctx, b.M{"_id": "version", "value": adpVersion}); err != nil {
		return err
	}
	a.version = adpVersion
	return nil
}

// MessageSave saves message to database.
func (a *adapter) MessageSave(msg *t.Message) error {
	_, err := a.db.Collection("messages").InsertOne(a.ctx, msg)
	if mdb.IsDuplicateKeyError(err) {
		return t.ErrDuplicate
	}
	return err
}

// MessageUpdate replaces the text of a message sent by senderId.
func (a *adapter) MessageUpdate(id, senderId, text string, editedAt time.Time) error {
	res, err := a.db.Collection("messages").UpdateOne(a.ctx,
		b.M{"_id": id, "from": senderId},
		b.M{"$set": b.M{"text": text, "edited": editedAt}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// MessageGetAll returns messages exchanged between two users, newest first.
func (a *adapter) MessageGetAll(userId, contactId string, opts *t.QueryOpt) ([]t.Message, error) {
	before, limit := common.SelectLimits(opts, a.maxResults)
	filter := b.M{"conv": t.ConversationName(userId, contactId)}
	if !before.IsZero() {
		filter["sent"] = b.M{"$lt": before}
	}

	findOpts := mdbopts.Find().SetSort(b.D{{Key: "sent", Value: -1}}).SetLimit(int64(limit))
	cur, err := a.db.Collection("messages").Find(a.ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(a.ctx)

	var msgs []t.Message
	if err = cur.All(a.ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func init() {
	store.RegisterAdapter(&adapter{})
}
