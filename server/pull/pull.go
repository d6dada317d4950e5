/******************************************************************************
 *
 *  Description :
 *
 *    Two-phase transfer of message history between two connections. The source
 *    connection uploads its history (upstream), then the requesting connection
 *    downloads it (downstream). Each operation is single use.
 *
 *****************************************************************************/

// Package pull implements the history synchronization engine and its expiry sweeper.
package pull

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"time"
)

const (
	// DefaultExpiry is the age after which an operation is discarded.
	DefaultExpiry = 15 * time.Minute
	// DefaultSweepPeriod is how often expired operations are looked for.
	DefaultSweepPeriod = 15 * time.Minute
)

var (
	// ErrUnknownConnection is returned when the requesting connection is not registered.
	ErrUnknownConnection = errors.New("pull: unknown connection")
	// ErrNotAuthorized is returned when the contact does not accept messages from the requestor.
	ErrNotAuthorized = errors.New("pull: requestor is not allowed to pull from the contact")
	// ErrSameConnection is returned when the source and the recipient are the same connection.
	ErrSameConnection = errors.New("pull: source and recipient are the same connection")
	// ErrNotFound is returned when there is no live operation for the connection.
	ErrNotFound = errors.New("pull: no operation for the connection")
	// ErrDownstreaming is returned when the operation is already being drained.
	ErrDownstreaming = errors.New("pull: operation is downstreaming")
)

// Message is one history record transferred by a pull.
type Message struct {
	Id string `json:"id"`
	// The message was received by the pull requestor, as opposed to sent by them.
	IsRecipient bool       `json:"rcpt,omitempty"`
	Text        string     `json:"text"`
	Reaction    string     `json:"reaction,omitempty"`
	SentAt      time.Time  `json:"sent"`
	EditedAt    *time.Time `json:"edited,omitempty"`
}

// Authorizer is the part of the presence registry used by pulls.
type Authorizer interface {
	GetUserId(connID string) (string, bool)
	CanDeliverTo(senderID, recipientID string) bool
	GetFirstConnectionId(userID string) (string, error)
}

// Request is the result of a successful RequestPull.
type Request struct {
	// ID of the user who requested the pull.
	RequestorId string
	// Connection which must start the upstream.
	SourceConnectionId string
}

type operation struct {
	startedAt time.Time
	source    string
	recipient string
	messages  []Message
	draining  bool
}

// Service is the table of in-flight pull operations keyed by the source connection.
type Service struct {
	auth        Authorizer
	expireAfter time.Duration
	now         func() time.Time

	lock sync.Mutex
	// Operations by source connection.
	ops map[string]*operation
	// Operations by recipient connection in order of creation.
	byRecipient map[string][]*operation
}

// New creates an empty pull table. Operations older than expireAfter are discarded.
func New(auth Authorizer, expireAfter time.Duration) *Service {
	if expireAfter <= 0 {
		expireAfter = DefaultExpiry
	}
	return &Service{
		auth:        auth,
		expireAfter: expireAfter,
		now:         time.Now,
		ops:         make(map[string]*operation),
		byRecipient: make(map[string][]*operation),
	}
}

// RequestPull starts a pull of contactID's history for the owner of requestorConnID.
// One connection of the contact is chosen as the source.
func (s *Service) RequestPull(requestorConnID, contactID string) (Request, error) {
	requestorID, ok := s.auth.GetUserId(requestorConnID)
	if !ok {
		return Request{}, ErrUnknownConnection
	}
	if !s.auth.CanDeliverTo(requestorID, contactID) {
		return Request{}, ErrNotAuthorized
	}
	source, err := s.auth.GetFirstConnectionId(contactID)
	if err != nil {
		// The contact went offline after the check.
		return Request{}, ErrNotAuthorized
	}
	if err := s.Create(source, requestorConnID); err != nil {
		return Request{}, err
	}
	return Request{RequestorId: requestorID, SourceConnectionId: source}, nil
}

// Create registers an empty operation from source to recipient, replacing any operation
// the source already has.
func (s *Service) Create(source, recipient string) error {
	if source == recipient {
		return ErrSameConnection
	}

	op := &operation{
		startedAt: s.now(),
		source:    source,
		recipient: recipient,
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if old := s.ops[source]; old != nil {
		s.removeLocked(old)
	}
	s.ops[source] = op
	s.byRecipient[recipient] = append(s.byRecipient[recipient], op)
	return nil
}

// AppendUpstream adds messages to the buffer of the source's operation, keeping their order.
func (s *Service) AppendUpstream(source string, msgs ...Message) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	op := s.ops[source]
	if op == nil || s.expired(op, s.now()) {
		return ErrNotFound
	}
	if op.draining {
		return ErrDownstreaming
	}
	op.messages = append(op.messages, msgs...)
	return nil
}

// GetRecipientConnectionId returns the connection which receives the source's upload.
func (s *Service) GetRecipientConnectionId(source string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	op := s.ops[source]
	if op == nil || s.expired(op, s.now()) {
		return "", ErrNotFound
	}
	return op.recipient, nil
}

// DrainDownstream hands the buffered messages to the recipient connection as a single-use
// sequence. Iteration stops at the next message once ctx is done. The operation is removed
// when the sequence is exhausted, abandoned by the consumer, or canceled. A sequence which
// is never iterated leaves the operation to the sweeper.
func (s *Service) DrainDownstream(ctx context.Context, recipient string) (iter.Seq[Message], error) {
	s.lock.Lock()
	now := s.now()
	var op *operation
	busy := false
	for _, o := range s.byRecipient[recipient] {
		if s.expired(o, now) {
			continue
		}
		if o.draining {
			busy = true
			continue
		}
		op = o
		break
	}
	if op == nil {
		s.lock.Unlock()
		if busy {
			return nil, ErrDownstreaming
		}
		return nil, ErrNotFound
	}
	op.draining = true
	// Appends are refused from now on, the buffer is immutable.
	msgs := op.messages
	s.lock.Unlock()

	var once sync.Once
	return func(yield func(Message) bool) {
		first := false
		once.Do(func() { first = true })
		if !first {
			return
		}
		defer s.complete(op)

		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !yield(msg) {
				return
			}
		}
	}, nil
}

// SweepExpired removes all operations older than the expiration threshold regardless of
// their state. Participants are not notified. Returns the number of removed operations.
func (s *Service) SweepExpired() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	now := s.now()
	removed := 0
	for _, op := range s.ops {
		if s.expired(op, now) {
			s.removeLocked(op)
			removed++
		}
	}
	return removed
}

// Len returns the number of operations in the table.
func (s *Service) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.ops)
}

func (s *Service) expired(op *operation, now time.Time) bool {
	return now.Sub(op.startedAt) > s.expireAfter
}

// complete removes a finished operation unless it was already replaced or swept.
func (s *Service) complete(op *operation) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.ops[op.source] == op {
		s.removeLocked(op)
	}
}

func (s *Service) removeLocked(op *operation) {
	delete(s.ops, op.source)
	list := slices.DeleteFunc(s.byRecipient[op.recipient], func(o *operation) bool { return o == op })
	if len(list) == 0 {
		delete(s.byRecipient, op.recipient)
	} else {
		s.byRecipient[op.recipient] = list
	}
}
