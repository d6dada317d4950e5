// Package chat implements the in-memory presence registry, the contact authorization
// model and the message relay.
//
// A user is online while at least one connection handle is registered for them. Each
// user keeps a set of contacts: user IDs which are allowed to send messages to that user.
// The relation is one-directional, A listing B does not allow A to message B.
package chat

import (
	"errors"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultShards is the number of registry partitions used when the caller does not specify one.
const DefaultShards = 32

var (
	// ErrUnknownConnection is returned when the connection handle is not registered.
	ErrUnknownConnection = errors.New("chat: unknown connection")
	// ErrSelfContact is returned when a user attempts to add themselves as a contact.
	ErrSelfContact = errors.New("chat: user cannot add themselves as a contact")
	// ErrUserOffline is returned when the user has no live connections.
	ErrUserOffline = errors.New("chat: user is offline")
)

// presence is the live state of one online user.
type presence struct {
	id string
	// User IDs allowed to message this user.
	contacts map[string]struct{}
	// Live connection handles in order of registration. Never empty.
	conns []string
	image string
}

func (p *presence) hasContact(id string) bool {
	_, ok := p.contacts[id]
	return ok
}

func (p *presence) contactList() []string {
	list := make([]string, 0, len(p.contacts))
	for id := range p.contacts {
		list = append(list, id)
	}
	return list
}

type shard struct {
	lock  sync.Mutex
	users map[string]*presence
}

// Service is the registry of online users and the relay between them.
// All methods are safe for concurrent use.
type Service struct {
	shards []shard

	// Connection handle -> user ID. An entry is written or removed only while holding
	// the lock of the owner's shard.
	byConn sync.Map

	// Clock and message ID source.
	now   func() time.Time
	newID func() string
}

// New creates an empty registry partitioned into numShards shards.
func New(numShards int) *Service {
	if numShards <= 0 {
		numShards = DefaultShards
	}
	s := &Service{
		shards: make([]shard, numShards),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for i := range s.shards {
		s.shards[i].users = make(map[string]*presence)
	}
	return s
}

func (s *Service) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}

// AddConnection registers a connection for the user and merges contactIDs into the user's
// contacts. The user record is created if this is the first connection. Returns the
// connection handles of online users who are mutual contacts of the user.
func (s *Service) AddConnection(userID string, contactIDs []string, connID, image string) []string {
	sh := s.shardFor(userID)
	sh.lock.Lock()
	p := sh.users[userID]
	if p == nil {
		p = &presence{
			id:       userID,
			contacts: make(map[string]struct{}, len(contactIDs)),
			image:    image,
		}
		sh.users[userID] = p
	}
	for _, id := range contactIDs {
		if id != userID {
			p.contacts[id] = struct{}{}
		}
	}
	if !slices.Contains(p.conns, connID) {
		p.conns = append(p.conns, connID)
	}
	s.byConn.Store(connID, userID)
	contacts := p.contactList()
	sh.lock.Unlock()

	return s.mutualConnections(userID, contacts)
}

// Disconnect is the result of removing a connection.
type Disconnect struct {
	// Owner of the connection, empty if the connection was not registered.
	UserID string
	// The user has no more connections.
	Offline bool
	// Connections of online mutual contacts.
	Notify []string
}

// RemoveConnection unregisters the connection. The user record is removed together with
// the last connection. Unknown connections are ignored.
func (s *Service) RemoveConnection(connID string) Disconnect {
	val, ok := s.byConn.Load(connID)
	if !ok {
		return Disconnect{}
	}
	userID := val.(string)

	sh := s.shardFor(userID)
	sh.lock.Lock()
	p := sh.users[userID]
	idx := -1
	if p != nil {
		idx = slices.Index(p.conns, connID)
	}
	if idx < 0 {
		// Lost a race with another removal of the same handle.
		sh.lock.Unlock()
		return Disconnect{}
	}
	s.byConn.Delete(connID)
	offline := len(p.conns) == 1
	if offline {
		delete(sh.users, userID)
	} else {
		p.conns = slices.Delete(p.conns, idx, idx+1)
	}
	contacts := p.contactList()
	sh.lock.Unlock()

	return Disconnect{
		UserID:  userID,
		Offline: offline,
		Notify:  s.mutualConnections(userID, contacts),
	}
}

// GetUserId returns the ID of the user who owns the connection.
func (s *Service) GetUserId(connID string) (string, bool) {
	val, ok := s.byConn.Load(connID)
	if !ok {
		return "", false
	}
	return val.(string), true
}

// IsOnline checks if the user has at least one live connection.
func (s *Service) IsOnline(userID string) bool {
	sh := s.shardFor(userID)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	_, ok := sh.users[userID]
	return ok
}

// GetFirstConnectionId returns the earliest registered live connection of the user.
func (s *Service) GetFirstConnectionId(userID string) (string, error) {
	sh := s.shardFor(userID)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	if p := sh.users[userID]; p != nil {
		return p.conns[0], nil
	}
	return "", ErrUserOffline
}

// OnlineCount returns the number of online users.
func (s *Service) OnlineCount() int {
	count := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.lock.Lock()
		count += len(sh.users)
		sh.lock.Unlock()
	}
	return count
}

// connectionsIfListed returns the connections of the user if the user is online and
// lists contactID as a contact.
func (s *Service) connectionsIfListed(userID, contactID string) ([]string, bool) {
	sh := s.shardFor(userID)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	p := sh.users[userID]
	if p == nil || !p.hasContact(contactID) {
		return nil, false
	}
	return slices.Clone(p.conns), true
}

// connections returns a copy of the user's live connections, nil if the user is offline.
func (s *Service) connections(userID string) []string {
	sh := s.shardFor(userID)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	if p := sh.users[userID]; p != nil {
		return slices.Clone(p.conns)
	}
	return nil
}

// mutualConnections collects connections of the online users from contacts who also list userID.
func (s *Service) mutualConnections(userID string, contacts []string) []string {
	var notify []string
	for _, id := range contacts {
		if conns, ok := s.connectionsIfListed(id, userID); ok {
			notify = append(notify, conns...)
		}
	}
	return notify
}

// resolve returns the user ID and the shard of the connection owner.
func (s *Service) resolve(connID string) (string, *shard, error) {
	userID, ok := s.GetUserId(connID)
	if !ok {
		return "", nil, ErrUnknownConnection
	}
	return userID, s.shardFor(userID), nil
}
