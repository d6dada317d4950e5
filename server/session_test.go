package main

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/directim/relay/server/chat"
	"github.com/directim/relay/server/pull"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

const (
	userAlice = "6f1c2a52-3b0d-4c1e-9a55-0d8f4f6a1b01"
	userBob   = "0b8e7d3c-2f4a-4e6b-8c1d-5a9f3e2b7c02"
	userCarol = "9d2e4f6a-8b1c-4d3e-a5f7-1c3e5a7b9d03"
)

type Responses struct {
	messages []any
}

func (s *Session) testWriteLoop(results *Responses, wg *sync.WaitGroup) {
	for msg := range s.send {
		results.messages = append(results.messages, msg)
	}
	wg.Done()
}

func (h *Hub) testHubLoop(t *testing.T, results map[string][]*ServerComMessage, done chan bool) {
	for msg := range h.route {
		if msg.RcptTo == "" {
			t.Error("Hub.route received a message without addressee.")
			break
		}
		results[msg.RcptTo] = append(results[msg.RcptTo], msg)
	}
	done <- true
}

// Hub with live state but without the run loop and the sweeper.
func newTestHub() *Hub {
	registry := chat.New(4)
	h := &Hub{
		chat:  registry,
		pulls: pull.New(registry, time.Minute),
		route: make(chan *ServerComMessage, 64),
	}
	globals.hub = h
	globals.sessionStore = nil
	globals.maxTextLength = 16
	return h
}

func newTestSession(sid string) *Session {
	return &Session{sid: sid, send: make(chan any, 64)}
}

// Register the session for the user bypassing the dispatcher.
func joinTestSession(h *Hub, s *Session, user string, contacts ...string) {
	h.chat.AddConnection(user, contacts, s.sid, "")
	s.uid = user
}

func verifyResponseCodes(r *Responses, codes []int, t *testing.T) {
	t.Helper()
	if len(r.messages) != len(codes) {
		t.Fatalf("responses: expected %d, received %d.", len(codes), len(r.messages))
	}
	for i := range codes {
		resp, ok := r.messages[i].(*ServerComMessage)
		if !ok || resp == nil {
			t.Fatalf("Response %d must be ServerComMessage", i)
		}
		if resp.Ctrl == nil {
			t.Fatalf("Response %d must contain a ctrl message.", i)
		}
		if resp.Ctrl.Code != codes[i] {
			t.Errorf("Response %d code: expected %d, got %d", i, codes[i], resp.Ctrl.Code)
		}
	}
}

// Run requests through the dispatcher, collect replies and routed messages.
func runDispatch(t *testing.T, h *Hub, s *Session, msgs ...*ClientComMessage) (*Responses, map[string][]*ServerComMessage) {
	t.Helper()

	r := &Responses{}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go s.testWriteLoop(r, &wg)

	routed := make(map[string][]*ServerComMessage)
	done := make(chan bool)
	go h.testHubLoop(t, routed, done)

	for _, msg := range msgs {
		s.dispatch(msg)
	}

	close(s.send)
	wg.Wait()
	close(h.route)
	<-done

	return r, routed
}

func TestDispatchBeforeJoin(t *testing.T) {
	h := newTestHub()
	s := newTestSession("sid-a")

	r, routed := runDispatch(t, h, s,
		&ClientComMessage{Send: &MsgClientSend{Id: "1", To: userBob, Text: "hi"}},
		&ClientComMessage{Pull: &MsgClientPull{Id: "2", Contact: userBob}},
		&ClientComMessage{Hist: &MsgClientHist{Id: "3", Contact: userBob}},
	)
	verifyResponseCodes(r, []int{http.StatusConflict, http.StatusConflict, http.StatusConflict}, t)
	if len(routed) != 0 {
		t.Errorf("Nothing must be routed, got %v", routed)
	}
}

func TestDispatchUnknownMessage(t *testing.T) {
	h := newTestHub()
	s := newTestSession("sid-a")

	r, _ := runDispatch(t, h, s, &ClientComMessage{})
	verifyResponseCodes(r, []int{http.StatusBadRequest}, t)
}

func TestDispatchRawMalformed(t *testing.T) {
	s := newTestSession("sid-a")
	r := &Responses{}
	wg := sync.WaitGroup{}
	wg.Add(1)
	go s.testWriteLoop(r, &wg)

	s.dispatchRaw([]byte(`{"join":`))
	close(s.send)
	wg.Wait()

	verifyResponseCodes(r, []int{http.StatusBadRequest}, t)
}

func TestDispatchRateLimited(t *testing.T) {
	h := newTestHub()
	s := newTestSession("sid-a")
	s.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	r, _ := runDispatch(t, h, s,
		&ClientComMessage{Join: &MsgClientJoin{Id: "1", User: userAlice}},
		&ClientComMessage{Image: &MsgClientImage{Id: "2", Image: "x"}},
	)
	verifyResponseCodes(r, []int{http.StatusOK, http.StatusTooManyRequests}, t)
}

func TestJoin(t *testing.T) {
	h := newTestHub()
	bob := newTestSession("sid-b")
	joinTestSession(h, bob, userBob, userAlice)
	h.chat.UpdateProfileImage(bob.sid, "bob.png")

	s := newTestSession("sid-a")
	r, routed := runDispatch(t, h, s,
		&ClientComMessage{Join: &MsgClientJoin{
			Id:       "1",
			User:     userAlice,
			Contacts: []string{userBob, userCarol},
			Image:    "alice.png",
		}},
		// Second join on the same connection.
		&ClientComMessage{Join: &MsgClientJoin{Id: "2", User: userAlice}},
	)

	verifyResponseCodes(r, []int{http.StatusOK, http.StatusConflict}, t)
	params, ok := r.messages[0].(*ServerComMessage).Ctrl.Params.(map[string]any)
	if !ok {
		t.Fatal("Join reply must carry params")
	}
	expected := []chat.ConnectedContact{{Id: userBob, ProfileImage: "bob.png"}}
	if diff := cmp.Diff(expected, params["contacts"]); diff != "" {
		t.Errorf("Connected contacts mismatch (-want +got):\n%s", diff)
	}
	if s.uid != userAlice {
		t.Errorf("Session uid: expected '%s', got '%s'", userAlice, s.uid)
	}

	expectedPres := []*ServerComMessage{{
		Pres:   &MsgServerPres{What: "on", Src: userAlice, Image: "alice.png"},
		RcptTo: "sid-b",
	}}
	if diff := cmp.Diff(expectedPres, routed["sid-b"], cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Timestamp"
	}, cmp.Ignore())); diff != "" {
		t.Errorf("Presence mismatch (-want +got):\n%s", diff)
	}
}

func TestJoinMalformed(t *testing.T) {
	h := newTestHub()
	s := newTestSession("sid-a")

	r, routed := runDispatch(t, h, s,
		&ClientComMessage{Join: &MsgClientJoin{Id: "1", User: "not-a-uuid"}},
		&ClientComMessage{Join: &MsgClientJoin{Id: "2", User: userAlice, Contacts: []string{"bad"}}},
	)
	verifyResponseCodes(r, []int{http.StatusBadRequest, http.StatusBadRequest}, t)
	if len(routed) != 0 || s.uid != "" || h.chat.IsOnline(userAlice) {
		t.Error("Malformed join must not register the user")
	}
}

func TestSendDelivered(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Send: &MsgClientSend{Id: "1", To: userBob, Text: "café"}},
	)

	verifyResponseCodes(r, []int{http.StatusAccepted}, t)
	for _, sid := range []string{"sid-a", "sid-b"} {
		if len(routed[sid]) != 1 || routed[sid][0].Data == nil {
			t.Fatalf("Session %s must receive exactly one data message, got %v", sid, routed[sid])
		}
		data := routed[sid][0].Data
		if data.From != userAlice || data.To != userBob || data.Text != "caf\u00e9" {
			t.Errorf("Unexpected data for %s: %+v", sid, data)
		}
		if data.EditedAt != nil {
			t.Error("New message must not be marked edited")
		}
	}
	params := r.messages[0].(*ServerComMessage).Ctrl.Params.(map[string]string)
	if params["msg"] != routed["sid-b"][0].Data.Id {
		t.Errorf("Reply must carry the message ID: '%s' vs '%s'", params["msg"], routed["sid-b"][0].Data.Id)
	}
}

func TestSendUndelivered(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	// Bob does not list Alice.
	joinTestSession(h, bob, userBob)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Send: &MsgClientSend{Id: "1", To: userBob, Text: "hi"}},
		// Carol is offline.
		&ClientComMessage{Send: &MsgClientSend{Id: "2", To: userCarol, Text: "hi"}},
	)

	verifyResponseCodes(r, []int{http.StatusNotFound, http.StatusNotFound}, t)
	if what := r.messages[0].(*ServerComMessage).Ctrl.Params.(map[string]string)["what"]; what != "send" {
		t.Errorf("Failed request: expected 'send', got '%s'", what)
	}
	if len(routed) != 0 {
		t.Errorf("Nothing must be routed, got %v", routed)
	}
}

func TestSendInvalidText(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	joinTestSession(h, alice, userAlice)

	r, _ := runDispatch(t, h, alice,
		&ClientComMessage{Send: &MsgClientSend{Id: "1", To: userBob, Text: "   "}},
		&ClientComMessage{Send: &MsgClientSend{Id: "2", To: userBob, Text: "this text is far too long"}},
		&ClientComMessage{Send: &MsgClientSend{Id: "3", To: "bob", Text: "hi"}},
	)
	verifyResponseCodes(r, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusBadRequest}, t)
}

func TestUpdateMessage(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)
	msgID := "3c1d5e7f-9a2b-4c6d-8e0f-1a3b5c7d9e04"

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Upd: &MsgClientUpd{Id: "1", Msg: msgID, To: userBob, Text: "fixed"}},
		&ClientComMessage{Upd: &MsgClientUpd{Id: "2", Msg: "bad", To: userBob, Text: "fixed"}},
	)

	verifyResponseCodes(r, []int{http.StatusAccepted, http.StatusBadRequest}, t)
	if len(routed["sid-b"]) != 1 {
		t.Fatalf("Bob must receive the edit, got %v", routed["sid-b"])
	}
	data := routed["sid-b"][0].Data
	if data.Id != msgID || data.Text != "fixed" || data.EditedAt == nil {
		t.Errorf("Unexpected edit: %+v", data)
	}
}

func TestContactAddRemove(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice)
	joinTestSession(h, bob, userBob, userAlice)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Contact: &MsgClientContact{Id: "1", What: "add", User: userBob}},
		&ClientComMessage{Contact: &MsgClientContact{Id: "2", What: "del", User: userBob}},
		&ClientComMessage{Contact: &MsgClientContact{Id: "3", What: "add", User: userAlice}},
		&ClientComMessage{Contact: &MsgClientContact{Id: "4", What: "block", User: userBob}},
	)

	verifyResponseCodes(r, []int{http.StatusOK, http.StatusOK, http.StatusBadRequest, http.StatusBadRequest}, t)
	params := r.messages[0].(*ServerComMessage).Ctrl.Params.(map[string]any)
	if params["online"] != true {
		t.Error("Bob must be reported online")
	}

	var what []string
	for _, msg := range routed["sid-b"] {
		if msg.Pres == nil || msg.Pres.Src != userAlice {
			t.Fatalf("Unexpected message to Bob: %+v", msg)
		}
		what = append(what, msg.Pres.What)
	}
	if diff := cmp.Diff([]string{"on", "off"}, what); diff != "" {
		t.Errorf("Presence mismatch (-want +got):\n%s", diff)
	}
}

func TestContactNotMutual(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice)
	joinTestSession(h, bob, userBob)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Contact: &MsgClientContact{Id: "1", What: "add", User: userBob}},
	)
	verifyResponseCodes(r, []int{http.StatusOK}, t)
	if len(routed) != 0 {
		t.Errorf("One-sided contact must not notify, got %v", routed)
	}
}

func TestProfileImage(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	carol := newTestSession("sid-c")
	joinTestSession(h, alice, userAlice, userBob, userCarol)
	joinTestSession(h, bob, userBob, userAlice)
	// Carol does not list Alice.
	joinTestSession(h, carol, userCarol)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Image: &MsgClientImage{Id: "1", Image: "new.png"}},
	)
	verifyResponseCodes(r, []int{http.StatusOK}, t)
	if len(routed["sid-c"]) != 0 {
		t.Error("Carol must not be notified")
	}
	if len(routed["sid-b"]) != 1 {
		t.Fatalf("Bob must be notified once, got %v", routed["sid-b"])
	}
	if diff := cmp.Diff(&MsgServerPres{What: "img", Src: userAlice, Image: "new.png"}, routed["sid-b"][0].Pres); diff != "" {
		t.Errorf("Presence mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanUp(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	alice2 := newTestSession("sid-a2")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, alice2, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)

	routed := make(map[string][]*ServerComMessage)
	done := make(chan bool)
	go h.testHubLoop(t, routed, done)

	// Alice still has another connection.
	alice.cleanUp()
	if !h.chat.IsOnline(userAlice) {
		t.Error("Alice must stay online")
	}
	alice2.cleanUp()

	close(h.route)
	<-done

	if h.chat.IsOnline(userAlice) {
		t.Error("Alice must be offline")
	}
	if len(routed["sid-b"]) != 1 || routed["sid-b"][0].Pres.What != "off" {
		t.Errorf("Bob must be told Alice went offline once, got %v", routed["sid-b"])
	}
}

func TestPullRequest(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)

	r, routed := runDispatch(t, h, alice,
		&ClientComMessage{Pull: &MsgClientPull{Id: "1", Contact: userBob}},
		// Carol is offline.
		&ClientComMessage{Pull: &MsgClientPull{Id: "2", Contact: userCarol}},
	)

	verifyResponseCodes(r, []int{http.StatusAccepted, http.StatusForbidden}, t)
	if len(routed["sid-b"]) != 1 {
		t.Fatalf("Bob must be asked to upload, got %v", routed["sid-b"])
	}
	if diff := cmp.Diff(&MsgServerPull{What: "up", Contact: userAlice}, routed["sid-b"][0].Pull); diff != "" {
		t.Errorf("Pull mismatch (-want +got):\n%s", diff)
	}
	if h.pulls.Len() != 1 {
		t.Errorf("Expected one pull in flight, got %d", h.pulls.Len())
	}
}

func TestUpstreamWithoutPull(t *testing.T) {
	h := newTestHub()
	bob := newTestSession("sid-b")
	joinTestSession(h, bob, userBob)

	r, _ := runDispatch(t, h, bob,
		&ClientComMessage{Up: &MsgClientUp{Id: "1", Msgs: []pull.Message{{Id: "m1", Text: "a"}}}},
		&ClientComMessage{Down: &MsgClientDown{Id: "2"}},
		&ClientComMessage{Down: &MsgClientDown{Id: "3", Cancel: true}},
	)
	verifyResponseCodes(r, []int{http.StatusNotFound, http.StatusNotFound, http.StatusNotFound}, t)
}

// Read messages sent to the session until the final {stream}.
func collectStream(t *testing.T, s *Session) []pull.Message {
	t.Helper()

	var msgs []pull.Message
	timeout := time.After(time.Second)
	for {
		select {
		case m := <-s.send:
			msg := m.(*ServerComMessage)
			if msg.Stream == nil {
				t.Fatalf("Expected {stream}, got %s", msg.describe())
			}
			msgs = append(msgs, msg.Stream.Msgs...)
			if msg.Stream.Done {
				return msgs
			}
		case <-timeout:
			t.Fatal("Timeout waiting for {stream}")
		}
	}
}

func TestPullUpAndDown(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)

	if _, err := h.pulls.RequestPull(alice.sid, userBob); err != nil {
		t.Fatal(err)
	}

	sent := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	history := make([]pull.Message, streamBatchSize+3)
	for i := range history {
		history[i] = pull.Message{Id: fmt.Sprintf("m%d", i), Text: "t", SentAt: sent}
	}

	r, routed := runDispatch(t, h, bob,
		&ClientComMessage{Up: &MsgClientUp{Id: "1", Msgs: history[:10]}},
		&ClientComMessage{Up: &MsgClientUp{Id: "2", Msgs: history[10:], Done: true}},
	)
	verifyResponseCodes(r, []int{http.StatusOK, http.StatusOK}, t)
	if len(routed["sid-a"]) != 1 || routed["sid-a"][0].Pull.What != "down" {
		t.Fatalf("Alice must be told to download, got %v", routed["sid-a"])
	}

	alice.dispatch(&ClientComMessage{Down: &MsgClientDown{Id: "3"}})
	got := collectStream(t, alice)
	if diff := cmp.Diff(history, got); diff != "" {
		t.Errorf("Downloaded history mismatch (-want +got):\n%s", diff)
	}

	// The stream is over once the final batch is queued, wait for the drain to be released.
	deadline := time.Now().Add(time.Second)
	for h.pulls.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.pulls.Len() != 0 {
		t.Error("Pull must be removed after download")
	}
}

func TestDownCancel(t *testing.T) {
	h := newTestHub()
	alice := newTestSession("sid-a")
	alice.send = make(chan any) // unbuffered: the stream blocks until read
	bob := newTestSession("sid-b")
	joinTestSession(h, alice, userAlice, userBob)
	joinTestSession(h, bob, userBob, userAlice)

	if _, err := h.pulls.RequestPull(alice.sid, userBob); err != nil {
		t.Fatal(err)
	}
	history := make([]pull.Message, streamBatchSize*2)
	if err := h.pulls.AppendUpstream(bob.sid, history...); err != nil {
		t.Fatal(err)
	}

	alice.dispatch(&ClientComMessage{Down: &MsgClientDown{Id: "1"}})
	if !alice.cancelDrain() {
		t.Fatal("Download must be in progress")
	}
	if alice.cancelDrain() {
		t.Error("Download must be canceled only once")
	}

	deadline := time.Now().Add(time.Second)
	for h.pulls.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if h.pulls.Len() != 0 {
		t.Error("Canceled pull must be removed")
	}
}

func TestDecodePullError(t *testing.T) {
	now := time.Now()
	cases := map[error]int{
		pull.ErrUnknownConnection: http.StatusConflict,
		pull.ErrDownstreaming:     http.StatusConflict,
		pull.ErrNotAuthorized:     http.StatusForbidden,
		pull.ErrNotFound:          http.StatusNotFound,
		pull.ErrSameConnection:    http.StatusBadRequest,
	}
	for err, code := range cases {
		if got := decodePullError(err, "1", now).Ctrl.Code; got != code {
			t.Errorf("%v: expected %d, got %d", err, code, got)
		}
	}
}
