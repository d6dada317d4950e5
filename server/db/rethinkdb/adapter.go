// Package rethinkdb is a database adapter for RethinkDB.
package rethinkdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/directim/relay/server/db/common"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/store"
	t "github.com/directim/relay/server/store/types"
	rdb "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// adapter holds RethinkDb connection data.
type adapter struct {
	conn       *rdb.Session
	dbName     string
	maxResults int
	version    int
}

const (
	defaultHost     = "localhost:28015"
	defaultDatabase = "directim"

	adpVersion  = 100
	adapterName = "rethinkdb"

	defaultMaxResults = 1024

	// Compound index of conversation name and the time of sending.
	convSentIndex = "conv_sent"
)

// See https://godoc.org/github.com/rethinkdb/rethinkdb-go#ConnectOpts for explanations.
type configType struct {
	Database            string `json:"database,omitempty"`
	Addresses           any    `json:"addresses,omitempty"`
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
	AuthKey             string `json:"authkey,omitempty"`
	Timeout             int    `json:"timeout,omitempty"`
	WriteTimeout        int    `json:"write_timeout,omitempty"`
	ReadTimeout         int    `json:"read_timeout,omitempty"`
	KeepAlivePeriod     int    `json:"keep_alive_timeout,omitempty"`
	InitialCap          int    `json:"initial_cap,omitempty"`
	MaxOpen             int    `json:"max_open,omitempty"`
	DiscoverHosts       bool   `json:"discover_hosts,omitempty"`
	NodeRefreshInterval int    `json:"node_refresh_interval,omitempty"`
}

// connectOpts converts adapter config to driver options.
func connectOpts(config *configType) (rdb.ConnectOpts, error) {
	var opts rdb.ConnectOpts

	switch addr := config.Addresses.(type) {
	case nil:
		opts.Address = defaultHost
	case string:
		opts.Address = addr
	case []any:
		for _, h := range addr {
			host, ok := h.(string)
			if !ok {
				return opts, errors.New("adapter rethinkdb failed to parse config.Addresses")
			}
			opts.Addresses = append(opts.Addresses, host)
		}
	default:
		return opts, errors.New("adapter rethinkdb failed to parse config.Addresses")
	}

	opts.Database = config.Database
	if opts.Database == "" {
		opts.Database = defaultDatabase
	}
	opts.Username = config.Username
	opts.Password = config.Password
	opts.AuthKey = config.AuthKey
	opts.Timeout = time.Duration(config.Timeout) * time.Second
	opts.WriteTimeout = time.Duration(config.WriteTimeout) * time.Second
	opts.ReadTimeout = time.Duration(config.ReadTimeout) * time.Second
	opts.KeepAlivePeriod = time.Duration(config.KeepAlivePeriod) * time.Second
	opts.InitialCap = config.InitialCap
	opts.MaxOpen = config.MaxOpen
	opts.DiscoverHosts = config.DiscoverHosts
	opts.NodeRefreshInterval = time.Duration(config.NodeRefreshInterval) * time.Second
	return opts, nil
}

// Open initializes rethinkdb session
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter rethinkdb is already connected")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter rethinkdb failed to parse config: " + err.Error())
		}
	}

	opts, err := connectOpts(&config)
	if err != nil {
		return err
	}
	a.dbName = opts.Database

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.conn, err = rdb.Connect(opts)
	if err != nil {
		a.conn = nil
		return err
	}
	a.version = -1
	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.conn != nil {
		// Close will wait for all outstanding requests to finish
		err = a.conn.Close()
		a.conn = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.conn != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	cursor, err := rdb.DB(a.dbName).Table("kvmeta").Get("version").Run(a.conn)
	if err != nil {
		if isMissingDb(err) {
			err = t.ErrDbNotInitialized
		}
		return -1, err
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return -1, t.ErrDbNotInitialized
	}

	var vers struct {
		Key   string `rethinkdb:"key"`
		Value int    `rethinkdb:"value"`
	}
	if err = cursor.One(&vers); err != nil {
		return -1, err
	}

	a.version = vers.Value
	return a.version, nil
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

// Version returns adapter version.
func (adapter) Version() int {
	return adpVersion
}

// GetName returns string that adapter uses to register itself with store.
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
		"IsConnected": a.conn.IsConnected(),
	}
}

// CreateDb initializes the storage. If reset is true, the database is first deleted losing all the data.
func (a *adapter) CreateDb(reset bool) error {
	// Drop database if exists, ignore error if it does not.
	if reset {
		logs.Info.Println("rethinkdb: dropping database", a.dbName)
		rdb.DBDrop(a.dbName).RunWrite(a.conn)
	}

	if _, err := rdb.DBCreate(a.dbName).RunWrite(a.conn); err != nil {
		return err
	}

	if _, err := rdb.DB(a.dbName).TableCreate("kvmeta", rdb.TableCreateOpts{PrimaryKey: "key"}).RunWrite(a.conn); err != nil {
		return err
	}

	if _, err := rdb.DB(a.dbName).TableCreate("messages", rdb.TableCreateOpts{PrimaryKey: "id"}).RunWrite(a.conn); err != nil {
		return err
	}
	if _, err := rdb.DB(a.dbName).Table("messages").IndexCreateFunc(convSentIndex,
		func(row rdb.Term) any {
			return []any{row.Field("conv"), row.Field("sent")}
		}).RunWrite(a.conn); err != nil {
		return err
	}
	if err := rdb.DB(a.dbName).Table("messages").IndexWait().Exec(a.conn); err != nil {
		return err
	}

	if _, err := rdb.DB(a.dbName).Table("kvmeta").Insert(
		map[string]any{"key": "version", "value": adpVersion}).RunWrite(a.conn); err != nil {
		return err
	}
	a.version = adpVersion
	return nil
}

// MessageSave saves message to database.
func (a *adapter) MessageSave(msg *t.Message) error {
	_, err := rdb.DB(a.dbName).Table("messages").Insert(msg).RunWrite(a.conn)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

// MessageUpdate replaces the text of a message sent by senderId.
func (a *adapter) MessageUpdate(id, senderId, text string, editedAt time.Time) error {
	res, err := rdb.DB(a.dbName).Table("messages").GetAll(id).
		Filter(rdb.Row.Field("from").Eq(senderId)).
		Update(map[string]any{"text": text, "edited": editedAt}).RunWrite(a.conn)
	if err != nil {
		return err
	}
	if res.Replaced+res.Unchanged == 0 {
		return t.ErrNotFound
	}
	return nil
}

// MessageGetAll returns messages exchanged between two users, newest first.
func (a *adapter) MessageGetAll(userId, contactId string, opts *t.QueryOpt) ([]t.Message, error) {
	conv := t.ConversationName(userId, contactId)
	before, limit := common.SelectLimits(opts, a.maxResults)
	var upper any = rdb.MaxVal
	if !before.IsZero() {
		upper = before
	}

	// Right bound is open by default.
	cursor, err := rdb.DB(a.dbName).Table("messages").
		Between([]any{conv, rdb.MinVal}, []any{conv, upper}, rdb.BetweenOpts{Index: convSentIndex}).
		OrderBy(rdb.OrderByOpts{Index: rdb.Desc(convSentIndex)}).Limit(limit).Run(a.conn)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var msgs []t.Message
	if err = cursor.All(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func isDupe(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate primary key")
}

func isMissingDb(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}

func init() {
	store.RegisterAdapter(&adapter{})
}
