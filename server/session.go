/******************************************************************************
 *
 *  Description :
 *
 *  Handling of user sessions/connections. One user may have multiple sessions,
 *  each session is one connection handle in the presence registry.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/directim/relay/server/chat"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/pull"
	"github.com/directim/relay/server/store"
	"github.com/directim/relay/server/store/types"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Maximum number of messages in one {stream} batch.
	streamBatchSize = 64
	// Number of bytes of the incoming message to log.
	logMessageLimit = 512
)

// Session represents a single websocket connection.
type Session struct {
	// Websocket
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// Session ID, the connection handle.
	sid string

	// ID of the user after {join}, empty before. Accessed from the read loop only.
	uid string

	// Time when the session received any packet from client
	lastAction time.Time

	// Outbound messages, buffered.
	send chan any

	// Channel for shutting down the session, buffer 1.
	// Content in the same format as for 'send'
	stop chan any

	// Request rate limiter, nil if unlimited.
	limiter *rate.Limiter

	// Cancels the download of pulled history in progress.
	drainLock   sync.Mutex
	drainCancel context.CancelFunc
	// Number of the latest download, to tell a finished download from a newer one.
	drainSeq uint64
}

// queueOut attempts to send a ServerComMessage to a session; if the send buffer is full, timeout is 50 usec
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}

	select {
	case s.send <- msg:
	case <-time.After(time.Microsecond * 50):
		logs.Err.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// queueOutWait blocks until the message is queued or the context is canceled.
func (s *Session) queueOutWait(ctx context.Context, msg *ServerComMessage) bool {
	select {
	case s.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// cleanUp is called when the connection is closed.
func (s *Session) cleanUp() {
	s.cancelDrain()
	if globals.sessionStore != nil {
		globals.sessionStore.Delete(s)
	}

	if s.uid == "" {
		return
	}

	disc := globals.hub.chat.RemoveConnection(s.sid)
	if disc.Offline {
		globals.hub.routeTo(&ServerComMessage{
			Pres:      &MsgServerPres{What: "off", Src: disc.UserID},
			Timestamp: types.TimeNow(),
		}, disc.Notify)
	}
	statsSet("OnlineUsers", int64(globals.hub.chat.OnlineCount()))
}

// Message received, convert bytes to ClientComMessage and dispatch
func (s *Session) dispatchRaw(raw []byte) {
	logs.Info.Printf("in: '%s' sid='%s' uid='%s'", truncateForLog(raw, logMessageLimit), s.sid, s.uid)

	var msg ClientComMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed message
		logs.Warn.Println("s.dispatch", err, s.sid)
		s.queueOut(ErrMalformed("", types.TimeNow()))
		return
	}

	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	s.lastAction = types.TimeNow()
	msg.Timestamp = s.lastAction

	if s.limiter != nil && !s.limiter.Allow() {
		s.queueOut(ErrTooManyRequests("", msg.Timestamp))
		logs.Warn.Println("s.dispatch: rate limit exceeded", s.sid)
		return
	}

	var handler func(*ClientComMessage)

	// Check if user has joined
	checkJoined := func(handler func(*ClientComMessage)) func(*ClientComMessage) {
		return func(m *ClientComMessage) {
			if s.uid == "" {
				s.queueOut(ErrCommandOutOfSequence(m.Id, m.Timestamp))
				return
			}
			handler(m)
		}
	}

	switch {
	case msg.Join != nil:
		handler = s.join
		msg.Id = msg.Join.Id

	case msg.Send != nil:
		handler = checkJoined(s.sendMessage)
		msg.Id = msg.Send.Id

	case msg.Upd != nil:
		handler = checkJoined(s.updateMessage)
		msg.Id = msg.Upd.Id

	case msg.Contact != nil:
		handler = checkJoined(s.contact)
		msg.Id = msg.Contact.Id

	case msg.Image != nil:
		handler = checkJoined(s.image)
		msg.Id = msg.Image.Id

	case msg.Pull != nil:
		handler = checkJoined(s.requestPull)
		msg.Id = msg.Pull.Id

	case msg.Up != nil:
		handler = checkJoined(s.upstream)
		msg.Id = msg.Up.Id

	case msg.Down != nil:
		handler = checkJoined(s.downstream)
		msg.Id = msg.Down.Id

	case msg.Hist != nil:
		handler = checkJoined(s.history)
		msg.Id = msg.Hist.Id

	default:
		// Unknown message
		s.queueOut(ErrMalformed("", msg.Timestamp))
		logs.Warn.Println("s.dispatch: unknown message", s.sid)
		return
	}

	handler(msg)
}

// Register the connection for the user.
func (s *Session) join(msg *ClientComMessage) {
	if s.uid != "" {
		s.queueOut(ErrCommandOutOfSequence(msg.Id, msg.Timestamp))
		return
	}

	req := msg.Join
	if !isValidId(req.User) || !validIds(req.Contacts) {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	notify := globals.hub.chat.AddConnection(req.User, req.Contacts, s.sid, req.Image)
	s.uid = req.User

	connected := globals.hub.chat.GetConnectedContacts(req.User, req.Contacts)
	if connected == nil {
		connected = []chat.ConnectedContact{}
	}
	s.queueOut(NoErrParams(msg.Id, msg.Timestamp, map[string]any{"contacts": connected}))

	globals.hub.routeTo(&ServerComMessage{
		Pres:      &MsgServerPres{What: "on", Src: req.User, Image: req.Image},
		Timestamp: msg.Timestamp,
	}, notify)

	statsInc("TotalJoins", 1)
	statsSet("OnlineUsers", int64(globals.hub.chat.OnlineCount()))
	logs.Info.Println("s.join: user", req.User, "joined, sid", s.sid)
}

// Relay a new message.
func (s *Session) sendMessage(msg *ClientComMessage) {
	req := msg.Send
	text, ok := normalizeText(req.Text, globals.maxTextLength)
	if !ok || !isValidId(req.To) {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	delivery, err := globals.hub.chat.SendMessage(s.sid, req.To, text)
	if err != nil {
		s.queueOut(decodeChatError(err, msg.Id, msg.Timestamp))
		return
	}
	if !delivery.Delivered {
		statsInc("MessagesUndelivered", 1)
		s.queueOut(ErrDeliveryFailed(msg.Id, "send", msg.Timestamp))
		return
	}

	m := delivery.Message
	globals.hub.routeTo(&ServerComMessage{
		Data: &MsgServerData{
			Id:        m.Id,
			From:      m.SenderId,
			To:        m.RecipientId,
			Text:      m.Text,
			Timestamp: m.SentAt,
		},
		Timestamp: msg.Timestamp,
	}, delivery.Targets)
	s.queueOut(NoErrAcceptedParams(msg.Id, msg.Timestamp, map[string]string{"msg": m.Id}))

	statsInc("MessagesRelayed", 1)
	globals.hub.saveMessage(&types.Message{
		Id:          m.Id,
		SenderId:    m.SenderId,
		RecipientId: m.RecipientId,
		Text:        m.Text,
		SentAt:      m.SentAt,
	})
}

// Relay an edit of a message.
func (s *Session) updateMessage(msg *ClientComMessage) {
	req := msg.Upd
	text, ok := normalizeText(req.Text, globals.maxTextLength)
	if !ok || !isValidId(req.To) || !isValidId(req.Msg) {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	delivery, err := globals.hub.chat.UpdateMessage(s.sid, req.Msg, req.To, text)
	if err != nil {
		s.queueOut(decodeChatError(err, msg.Id, msg.Timestamp))
		return
	}
	if !delivery.Delivered {
		statsInc("MessagesUndelivered", 1)
		s.queueOut(ErrDeliveryFailed(msg.Id, "upd", msg.Timestamp))
		return
	}

	upd := delivery.Update
	edited := upd.EditedAt
	globals.hub.routeTo(&ServerComMessage{
		Data: &MsgServerData{
			Id:        upd.Id,
			From:      upd.SenderId,
			To:        upd.RecipientId,
			Text:      upd.Text,
			Timestamp: edited,
			EditedAt:  &edited,
		},
		Timestamp: msg.Timestamp,
	}, delivery.Targets)
	s.queueOut(NoErrAcceptedParams(msg.Id, msg.Timestamp, map[string]string{"msg": upd.Id}))

	statsInc("MessagesRelayed", 1)
	globals.hub.updateMessage(upd.Id, upd.SenderId, upd.Text, edited)
}

// Add or remove a contact.
func (s *Session) contact(msg *ClientComMessage) {
	req := msg.Contact
	if !isValidId(req.User) {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	var change chat.ContactChange
	var err error
	var pres *MsgServerPres
	params := map[string]any{"user": req.User}
	switch req.What {
	case "add":
		change, err = globals.hub.chat.AddContact(s.sid, req.User)
		if err == nil {
			params["online"] = globals.hub.chat.IsOnline(req.User)
			pres = &MsgServerPres{What: "on", Src: change.UserID, Image: change.ProfileImage}
		}
	case "del":
		change, err = globals.hub.chat.RemoveContact(s.sid, req.User)
		pres = &MsgServerPres{What: "off", Src: change.UserID}
	default:
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	if err != nil {
		s.queueOut(decodeChatError(err, msg.Id, msg.Timestamp))
		return
	}

	s.queueOut(NoErrParams(msg.Id, msg.Timestamp, params))
	if change.Mutual {
		globals.hub.routeTo(&ServerComMessage{Pres: pres, Timestamp: msg.Timestamp}, change.Notify)
	}
}

// Replace profile image.
func (s *Session) image(msg *ClientComMessage) {
	userID, notify, err := globals.hub.chat.UpdateProfileImage(s.sid, msg.Image.Image)
	if err != nil {
		s.queueOut(decodeChatError(err, msg.Id, msg.Timestamp))
		return
	}

	s.queueOut(NoErr(msg.Id, msg.Timestamp))
	globals.hub.routeTo(&ServerComMessage{
		Pres:      &MsgServerPres{What: "img", Src: userID, Image: msg.Image.Image},
		Timestamp: msg.Timestamp,
	}, notify)
}

// Ask a connection of the contact to upload the history of the conversation.
func (s *Session) requestPull(msg *ClientComMessage) {
	if !isValidId(msg.Pull.Contact) {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	req, err := globals.hub.pulls.RequestPull(s.sid, msg.Pull.Contact)
	if err != nil {
		s.queueOut(decodePullError(err, msg.Id, msg.Timestamp))
		return
	}

	s.queueOut(NoErrAccepted(msg.Id, msg.Timestamp))
	globals.hub.routeTo(&ServerComMessage{
		Pull:      &MsgServerPull{What: "up", Contact: req.RequestorId},
		Timestamp: msg.Timestamp,
	}, []string{req.SourceConnectionId})

	statsInc("PullsRequested", 1)
	statsSet("LivePulls", int64(globals.hub.pulls.Len()))
}

// Accept uploaded history.
func (s *Session) upstream(msg *ClientComMessage) {
	req := msg.Up
	if err := globals.hub.pulls.AppendUpstream(s.sid, req.Msgs...); err != nil {
		s.queueOut(decodePullError(err, msg.Id, msg.Timestamp))
		return
	}

	if req.Done {
		recipient, err := globals.hub.pulls.GetRecipientConnectionId(s.sid)
		if err != nil {
			s.queueOut(decodePullError(err, msg.Id, msg.Timestamp))
			return
		}
		globals.hub.routeTo(&ServerComMessage{
			Pull:      &MsgServerPull{What: "down"},
			Timestamp: msg.Timestamp,
		}, []string{recipient})
	}
	s.queueOut(NoErr(msg.Id, msg.Timestamp))
}

// Start or cancel download of the pulled history.
func (s *Session) downstream(msg *ClientComMessage) {
	if msg.Down.Cancel {
		if s.cancelDrain() {
			s.queueOut(NoErr(msg.Id, msg.Timestamp))
		} else {
			s.queueOut(ErrNotFound(msg.Id, msg.Timestamp))
		}
		return
	}

	s.drainLock.Lock()
	if s.drainCancel != nil {
		s.drainLock.Unlock()
		s.queueOut(ErrCommandOutOfSequence(msg.Id, msg.Timestamp))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	seq, err := globals.hub.pulls.DrainDownstream(ctx, s.sid)
	if err != nil {
		s.drainLock.Unlock()
		cancel()
		s.queueOut(decodePullError(err, msg.Id, msg.Timestamp))
		return
	}
	s.drainCancel = cancel
	s.drainSeq++
	drainSeq := s.drainSeq
	s.drainLock.Unlock()

	go s.streamHistory(ctx, cancel, drainSeq, msg.Id, seq)
}

// streamHistory sends drained messages to the client in batches.
func (s *Session) streamHistory(ctx context.Context, cancel context.CancelFunc, drainSeq uint64, id string,
	seq iter.Seq[pull.Message]) {
	defer func() {
		s.drainLock.Lock()
		if s.drainSeq == drainSeq {
			s.drainCancel = nil
		}
		s.drainLock.Unlock()
		cancel()
		statsSet("LivePulls", int64(globals.hub.pulls.Len()))
	}()

	batch := make([]pull.Message, 0, streamBatchSize)
	for m := range seq {
		batch = append(batch, m)
		if len(batch) == streamBatchSize {
			if !s.queueOutWait(ctx, &ServerComMessage{
				Stream:    &MsgServerStream{Id: id, Msgs: batch},
				Timestamp: types.TimeNow(),
			}) {
				return
			}
			batch = make([]pull.Message, 0, streamBatchSize)
		}
	}

	if ctx.Err() != nil {
		logs.Info.Println("s.stream: download canceled", s.sid)
		return
	}
	s.queueOutWait(ctx, &ServerComMessage{
		Stream:    &MsgServerStream{Id: id, Msgs: batch, Done: true},
		Timestamp: types.TimeNow(),
	})
	statsInc("PullsCompleted", 1)
}

// cancelDrain stops the download in progress, if any.
func (s *Session) cancelDrain() bool {
	s.drainLock.Lock()
	defer s.drainLock.Unlock()

	if s.drainCancel == nil {
		return false
	}
	s.drainCancel()
	s.drainCancel = nil
	return true
}

// Read persisted history of the conversation with a contact.
func (s *Session) history(msg *ClientComMessage) {
	req := msg.Hist
	if !store.Store.IsOpen() {
		s.queueOut(ErrServiceUnavailable(msg.Id, msg.Timestamp))
		return
	}
	if !isValidId(req.Contact) || req.Limit < 0 {
		s.queueOut(ErrMalformed(msg.Id, msg.Timestamp))
		return
	}

	opts := &types.QueryOpt{Limit: req.Limit}
	if req.Before != nil {
		opts.Before = *req.Before
	}
	msgs, err := store.Messages.GetAll(s.uid, req.Contact, opts)
	if err != nil {
		logs.Warn.Println("s.history: failed to read history", s.sid, err)
		s.queueOut(ErrUnknown(msg.Id, msg.Timestamp))
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	s.queueOut(&ServerComMessage{
		Hist:      &MsgServerHist{Id: msg.Id, Contact: req.Contact, Msgs: msgs},
		Timestamp: msg.Timestamp,
	})
}

// Map errors of the presence registry to {ctrl} replies.
func decodeChatError(err error, id string, ts time.Time) *ServerComMessage {
	switch {
	case errors.Is(err, chat.ErrUnknownConnection):
		return ErrCommandOutOfSequence(id, ts)
	case errors.Is(err, chat.ErrSelfContact):
		return ErrMalformed(id, ts)
	case errors.Is(err, chat.ErrUserOffline):
		return ErrNotFound(id, ts)
	}
	logs.Err.Println("chat: unexpected error", err)
	return ErrUnknown(id, ts)
}

// Map errors of the pull engine to {ctrl} replies.
func decodePullError(err error, id string, ts time.Time) *ServerComMessage {
	switch {
	case errors.Is(err, pull.ErrUnknownConnection), errors.Is(err, pull.ErrDownstreaming):
		return ErrCommandOutOfSequence(id, ts)
	case errors.Is(err, pull.ErrNotAuthorized):
		return ErrPermissionDenied(id, ts)
	case errors.Is(err, pull.ErrNotFound):
		return ErrNotFound(id, ts)
	case errors.Is(err, pull.ErrSameConnection):
		return ErrMalformed(id, ts)
	}
	logs.Err.Println("pull: unexpected error", err)
	return ErrUnknown(id, ts)
}
