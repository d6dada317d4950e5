// Package mysql is a database adapter for MySQL.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/directim/relay/server/db/common"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/store"
	t "github.com/directim/relay/server/store/types"
	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// adapter holds MySQL connection data.
type adapter struct {
	db     *sqlx.DB
	dsn    string
	dbName string
	// Maximum number of records to return
	maxResults int
	version    int

	// Single query timeout.
	sqlTimeout time.Duration
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/directim?parseTime=true"
	defaultDatabase = "directim"

	adpVersion  = 100
	adapterName = "mysql"

	defaultMaxResults = 1024
)

// Server error numbers, https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errDupEntry    = 1062
	errBadDb       = 1049
	errNoSuchTable = 1146
)

type configType struct {
	// DB connection settings.
	// Please, see https://pkg.go.dev/github.com/go-sql-driver/mysql#Config
	// for the full list of fields.
	ms.Config
	// Or a complete connection string.
	DSN      string `json:"dsn,omitempty"`
	Database string `json:"database,omitempty"`

	// Connection pool settings.
	//
	// Maximum number of open connections to the database.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// Maximum number of connections in the idle connection pool.
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// Maximum amount of time a connection may be reused (in seconds).
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`

	// DB request timeout (in seconds).
	// If 0 (or negative), no timeout is applied.
	SqlTimeout int `json:"sql_timeout,omitempty"`
}

// messageRow mirrors a row of the messages table.
type messageRow struct {
	Id        string         `db:"id"`
	Conv      string         `db:"conv"`
	Sender    string         `db:"sender"`
	Recipient string         `db:"recipient"`
	Text      string         `db:"text"`
	Reaction  sql.NullString `db:"reaction"`
	SentAt    time.Time      `db:"sentat"`
	EditedAt  sql.NullTime   `db:"editedat"`
}

func (r *messageRow) toMessage() t.Message {
	msg := t.Message{
		Id:           r.Id,
		Conversation: r.Conv,
		SenderId:     r.Sender,
		RecipientId:  r.Recipient,
		Text:         r.Text,
		Reaction:     r.Reaction.String,
		SentAt:       r.SentAt,
	}
	if r.EditedAt.Valid {
		edited := r.EditedAt.Time
		msg.EditedAt = &edited
	}
	return msg
}

func (a *adapter) getContext() (context.Context, context.CancelFunc) {
	if a.sqlTimeout > 0 {
		return context.WithTimeout(context.Background(), a.sqlTimeout)
	}
	return context.WithCancel(context.Background())
}

// parseConfig resolves the connection string and the database name.
func parseConfig(config *configType) (dsn, dbName string, err error) {
	if config.DSN != "" {
		dsn = config.DSN
	} else if config.Addr != "" {
		config.Config.ParseTime = true
		dsn = config.Config.FormatDSN()
	} else {
		dsn = defaultDSN
	}

	parsed, err := ms.ParseDSN(dsn)
	if err != nil {
		return "", "", errors.New("mysql adapter failed to parse dsn: " + err.Error())
	}
	if !parsed.ParseTime {
		return "", "", errors.New("mysql adapter requires parseTime=true")
	}

	dbName = config.Database
	if dbName == "" {
		dbName = parsed.DBName
	}
	if dbName == "" {
		dbName = defaultDatabase
	}
	return dsn, dbName, nil
}

// Open initializes the connection pool.
func (a *adapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var config configType
	if len(jsonconfig) > 0 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	var err error
	if a.dsn, a.dbName, err = parseConfig(&config); err != nil {
		return err
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if isMissingDb(err) {
		// Missing DB is OK if we are initializing the database.
		// Connect without a database name.
		a.db.Close()
		var noDb string
		if noDb, err = withoutDbName(a.dsn); err == nil {
			if a.db, err = sqlx.Open("mysql", noDb); err == nil {
				err = a.db.Ping()
			}
		}
	}
	if err != nil {
		if a.db != nil {
			a.db.Close()
		}
		a.db = nil
		return err
	}

	if config.MaxOpenConns > 0 {
		a.db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		a.db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	if config.SqlTimeout > 0 {
		a.sqlTimeout = time.Duration(config.SqlTimeout) * time.Second
	}

	a.version = -1
	return nil
}

// Close closes the underlying database connection
func (a *adapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
		a.version = -1
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *adapter) IsOpen() bool {
	return a.db != nil
}

// GetDbVersion returns current database version.
func (a *adapter) GetDbVersion() (int, error) {
	if a.version > 0 {
		return a.version, nil
	}

	ctx, cancel := a.getContext()
	defer cancel()

	var vers int
	err := a.db.GetContext(ctx, &vers, "SELECT `value` FROM kvmeta WHERE `key`='version'")
	if err != nil {
		if isMissingDb(err) || isMissingTable(err) || err == sql.ErrNoRows {
			err = t.ErrDbNotInitialized
		}
		return -1, err
	}
	a.version = vers
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
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// CreateDb initializes the storage.
func (a *adapter) CreateDb(reset bool) error {
	var err error
	var tx *sql.Tx

	// Can't use an existing connection because it's configured with a database name which may not exist.
	if a.db != nil {
		a.db.Close()
	}
	noDb, err := withoutDbName(a.dsn)
	if err != nil {
		return err
	}
	if a.db, err = sqlx.Open("mysql", noDb); err != nil {
		return err
	}

	if tx, err = a.db.Begin(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if reset {
		logs.Info.Println("mysql: dropping database", a.dbName)
		if _, err = tx.Exec("DROP DATABASE IF EXISTS `" + a.dbName + "`"); err != nil {
			return err
		}
	}
	if _, err = tx.Exec("CREATE DATABASE `" + a.dbName + "` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}
	if _, err = tx.Exec("USE `" + a.dbName + "`"); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`CREATE TABLE kvmeta(` +
			"`key` CHAR(32)," +
			"`value` TEXT," +
			"PRIMARY KEY(`key`)" +
			`)`); err != nil {
		return err
	}
	if _, err = tx.Exec(
		`CREATE TABLE messages(
			id        VARCHAR(36) NOT NULL,
			conv      VARCHAR(80) NOT NULL,
			sender    VARCHAR(36) NOT NULL,
			recipient VARCHAR(36) NOT NULL,
			text      TEXT NOT NULL,
			reaction  VARCHAR(32),
			sentat    DATETIME(3) NOT NULL,
			editedat  DATETIME(3),
			PRIMARY KEY(id),
			INDEX messages_conv_sentat(conv, sentat)
		)`); err != nil {
		return err
	}
	if _, err = tx.Exec("INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?)", strconv.Itoa(adpVersion)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	// Reopen with the database selected.
	a.db.Close()
	if a.db, err = sqlx.Open("mysql", a.dsn); err != nil {
		return err
	}
	a.version = adpVersion
	return nil
}

// MessageSave saves message to database.
func (a *adapter) MessageSave(msg *t.Message) error {
	ctx, cancel := a.getContext()
	defer cancel()

	var edited sql.NullTime
	if msg.EditedAt != nil {
		edited = sql.NullTime{Time: *msg.EditedAt, Valid: true}
	}
	_, err := a.db.ExecContext(ctx,
		"INSERT INTO messages(id,conv,sender,recipient,text,reaction,sentat,editedat) VALUES(?,?,?,?,?,?,?,?)",
		msg.Id, msg.Conversation, msg.SenderId, msg.RecipientId, msg.Text,
		sql.NullString{String: msg.Reaction, Valid: msg.Reaction != ""}, msg.SentAt, edited)
	if isDupe(err) {
		return t.ErrDuplicate
	}
	return err
}

// MessageUpdate replaces the text of a message sent by senderId.
func (a *adapter) MessageUpdate(id, senderId, text string, editedAt time.Time) error {
	ctx, cancel := a.getContext()
	defer cancel()

	// RowsAffected counts changed rows only, unchanged text would look like a miss.
	var found int
	err := a.db.GetContext(ctx, &found, "SELECT COUNT(*) FROM messages WHERE id=? AND sender=?", id, senderId)
	if err != nil {
		return err
	}
	if found == 0 {
		return t.ErrNotFound
	}
	_, err = a.db.ExecContext(ctx, "UPDATE messages SET text=?, editedat=? WHERE id=? AND sender=?",
		text, editedAt, id, senderId)
	return err
}

// MessageGetAll returns messages exchanged between two users, newest first.
func (a *adapter) MessageGetAll(userId, contactId string, opts *t.QueryOpt) ([]t.Message, error) {
	ctx, cancel := a.getContext()
	defer cancel()

	query := "SELECT id,conv,sender,recipient,text,reaction,sentat,editedat FROM messages WHERE conv=?"
	args := []any{t.ConversationName(userId, contactId)}
	before, limit := common.SelectLimits(opts, a.maxResults)
	if !before.IsZero() {
		query += " AND sentat<?"
		args = append(args, before)
	}
	query += " ORDER BY sentat DESC LIMIT ?"
	args = append(args, limit)

	var rows []messageRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	msgs := make([]t.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toMessage())
	}
	return msgs, nil
}

// withoutDbName strips the database name from the DSN.
func withoutDbName(dsn string) (string, error) {
	cfg, err := ms.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.DBName = ""
	return cfg.FormatDSN(), nil
}

func errNumber(err error) uint16 {
	var myerr *ms.MySQLError
	if errors.As(err, &myerr) {
		return myerr.Number
	}
	return 0
}

func isDupe(err error) bool {
	return errNumber(err) == errDupEntry
}

func isMissingDb(err error) bool {
	return errNumber(err) == errBadDb
}

func isMissingTable(err error) bool {
	return errNumber(err) == errNoSuchTable
}

func init() {
	store.RegisterAdapter(&adapter{})
}
