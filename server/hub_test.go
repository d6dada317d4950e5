package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/directim/relay/server/concurrency"
	"github.com/directim/relay/server/store"
	"github.com/directim/relay/server/store/mock_store"
	"github.com/directim/relay/server/store/types"
	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
)

func TestHubRoute(t *testing.T) {
	s := newTestSession("sid-a")
	globals.sessionStore = &SessionStore{sessCache: map[string]*Session{s.sid: s}}
	defer func() { globals.sessionStore = nil }()

	h := &Hub{
		route:       make(chan *ServerComMessage, 8),
		shutdown:    make(chan chan<- bool),
		stopSweeper: func() {},
	}
	go h.run()

	pres := &ServerComMessage{Pres: &MsgServerPres{What: "on", Src: userBob}}
	// The second session does not exist, the message is dropped.
	h.routeTo(pres, []string{"sid-a", "sid-gone"})

	select {
	case m := <-s.send:
		msg := m.(*ServerComMessage)
		if msg.RcptTo != "sid-a" || msg.Pres.Src != userBob {
			t.Errorf("Unexpected message %s to %s", msg.describe(), msg.RcptTo)
		}
	case <-time.After(time.Second):
		t.Fatal("Routed message not delivered")
	}
	if pres.RcptTo != "" {
		t.Error("Routing must not modify the original message")
	}

	hubdone := make(chan bool)
	h.shutdown <- hubdone
	<-hubdone
}

func TestSendPersisted(t *testing.T) {
	ctrl := gomock.NewController(t)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldMessages := store.Messages
	store.Messages = mm
	defer func() {
		store.Messages = oldMessages
		ctrl.Finish()
	}()

	h := newTestHub()
	h.history = concurrency.NewGoRoutinePool(1, 4)
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)

	var saved *types.Message
	mm.EXPECT().Save(gomock.Any()).DoAndReturn(func(msg *types.Message) error {
		saved = msg
		return nil
	})
	mm.EXPECT().Update("3c1d5e7f-9a2b-4c6d-8e0f-1a3b5c7d9e04", userAlice, "edited", gomock.Any()).Return(nil)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Send: &MsgClientSend{Id: "1", To: userBob, Text: "hello"}},
		&ClientComMessage{Upd: &MsgClientUpd{Id: "2", Msg: "3c1d5e7f-9a2b-4c6d-8e0f-1a3b5c7d9e04", To: userBob, Text: "edited"}},
	)
	// Wait for background writes.
	h.history.Stop()

	verifyResponseCodes(r, []int{http.StatusAccepted, http.StatusAccepted}, t)
	if saved == nil {
		t.Fatal("Message must be saved")
	}
	data := routed["sid-b"][0].Data
	expected := &types.Message{
		Id:          data.Id,
		SenderId:    userAlice,
		RecipientId: userBob,
		Text:        "hello",
		SentAt:      data.Timestamp,
	}
	if diff := cmp.Diff(expected, saved); diff != "" {
		t.Errorf("Saved message mismatch (-want +got):\n%s", diff)
	}
}

func TestUndeliveredNotPersisted(t *testing.T) {
	ctrl := gomock.NewController(t)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldMessages := store.Messages
	store.Messages = mm
	defer func() {
		store.Messages = oldMessages
		ctrl.Finish()
	}()

	h := newTestHub()
	h.history = concurrency.NewGoRoutinePool(1, 4)
	alice := newTestSession("sid-a")
	joinTestSession(h, alice, userAlice, userBob)

	// No calls to mm are expected.
	r, _ := runDispatch(t, h, alice,
		&ClientComMessage{Send: &MsgClientSend{Id: "1", To: userBob, Text: "hello"}},
	)
	h.history.Stop()

	verifyResponseCodes(r, []int{http.StatusNotFound}, t)
}

func TestHistory(t *testing.T) {
	ctrl := gomock.NewController(t)
	ss := mock_store.NewMockPersistentStorageInterface(ctrl)
	mm := mock_store.NewMockMessagesPersistenceInterface(ctrl)
	oldStore, oldMessages := store.Store, store.Messages
	store.Store, store.Messages = ss, mm
	defer func() {
		store.Store, store.Messages = oldStore, oldMessages
		ctrl.Finish()
	}()

	h := newTestHub()
	alice := newTestSession("sid-a")
	joinTestSession(h, alice, userAlice)

	before := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := []types.Message{
		{Id: "m2", SenderId: userBob, RecipientId: userAlice, Text: "second", SentAt: before.Add(-time.Minute)},
		{Id: "m1", SenderId: userAlice, RecipientId: userBob, Text: "first", SentAt: before.Add(-time.Hour)},
	}

	ss.EXPECT().IsOpen().Return(true).Times(2)
	mm.EXPECT().GetAll(userAlice, userBob, &types.QueryOpt{Before: before, Limit: 10}).Return(stored, nil)
	mm.EXPECT().GetAll(userAlice, userCarol, &types.QueryOpt{}).Return(nil, types.ErrInternal)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Hist: &MsgClientHist{Id: "1", Contact: userBob, Before: &before, Limit: 10}},
		&ClientComMessage{Hist: &MsgClientHist{Id: "2", Contact: userCarol}},
	)

	if len(r.messages) != 2 {
		t.Fatalf("responses: expected 2, received %d.", len(r.messages))
	}
	hist := r.messages[0].(*ServerComMessage).Hist
	if hist == nil {
		t.Fatal("Expected {hist} reply")
	}
	if diff := cmp.Diff(&MsgServerHist{Id: "1", Contact: userBob, Msgs: stored}, hist); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}
	verifyResponseCodes(&Responses{messages: r.messages[1:]}, []int{http.StatusInternalServerError}, t)
	if len(routed) != 0 {
		t.Errorf("Nothing must be routed, got %v", routed)
	}
}

func TestHistoryDisabled(t *testing.T) {
	ctrl := gomock.NewController(t)
	ss := mock_store.NewMockPersistentStorageInterface(ctrl)
	oldStore := store.Store
	store.Store = ss
	defer func() {
		store.Store = oldStore
		ctrl.Finish()
	}()

	h := newTestHub()
	alice := newTestSession("sid-a")
	joinTestSession(h, alice, userAlice)

	ss.EXPECT().IsOpen().Return(false)

	r, _ := runDispatch(t, h, alice,
		&ClientComMessage{Hist: &MsgClientHist{Id: "1", Contact: userBob}},
	)
	verifyResponseCodes(r, []int{http.StatusServiceUnavailable}, t)
}
