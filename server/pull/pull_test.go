package pull

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/directim/relay/server/chat"
	"github.com/google/go-cmp/cmp"
)

const (
	alice = "11111111-1111-1111-1111-111111111111"
	bob   = "22222222-2222-2222-2222-222222222222"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

// setup connects alice (a1) and bob (b1, b2) as mutual contacts.
func setup(t *testing.T) (*Service, *chat.Service, *clock) {
	t.Helper()
	registry := chat.New(2)
	registry.AddConnection(alice, []string{bob}, "a1", "")
	registry.AddConnection(bob, []string{alice}, "b1", "")
	registry.AddConnection(bob, nil, "b2", "")

	c := &clock{t: time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)}
	s := New(registry, 0)
	s.now = c.now
	return s, registry, c
}

func testMessages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{
			Id:          string(rune('a' + i)),
			IsRecipient: i%2 == 0,
			Text:        "text",
			SentAt:      time.Date(2023, 6, 1, 0, i, 0, 0, time.UTC),
		}
	}
	return msgs
}

func collect(seq func(func(Message) bool)) []Message {
	var out []Message
	for m := range seq {
		out = append(out, m)
	}
	return out
}

func TestPullRoundTrip(t *testing.T) {
	s, _, _ := setup(t)

	req, err := s.RequestPull("a1", bob)
	if err != nil {
		t.Fatal(err)
	}
	want := Request{RequestorId: alice, SourceConnectionId: "b1"}
	if req != want {
		t.Errorf("RequestPull = %+v, expected %+v", req, want)
	}

	msgs := testMessages(3)
	if err := s.AppendUpstream("b1", msgs[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendUpstream("b1", msgs[1:]...); err != nil {
		t.Fatal(err)
	}
	if rcpt, err := s.GetRecipientConnectionId("b1"); err != nil || rcpt != "a1" {
		t.Errorf("GetRecipientConnectionId = %q, %v", rcpt, err)
	}

	seq, err := s.DrainDownstream(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(msgs, collect(seq)); diff != "" {
		t.Errorf("drained messages mismatch (-want +got):\n%s", diff)
	}
	if s.Len() != 0 {
		t.Error("operation must be removed after the drain completes")
	}
	if _, err := s.GetRecipientConnectionId("b1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	// The sequence is single use.
	if got := collect(seq); len(got) != 0 {
		t.Errorf("second iteration must be empty, got %d", len(got))
	}
}

func TestRequestPullUnauthorized(t *testing.T) {
	s, registry, _ := setup(t)

	// Bob stops accepting messages from alice.
	if _, err := registry.RemoveContact("b1", alice); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RequestPull("a1", bob); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("no operation may be created")
	}
	if _, err := s.RequestPull("zz", bob); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestRequestPullReplacesOperation(t *testing.T) {
	s, _, _ := setup(t)

	s.RequestPull("a1", bob)
	s.AppendUpstream("b1", testMessages(2)...)
	s.RequestPull("a1", bob)

	if s.Len() != 1 {
		t.Fatalf("expected one operation, got %d", s.Len())
	}
	seq, err := s.DrainDownstream(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(seq); len(got) != 0 {
		t.Errorf("new operation must start with an empty buffer, got %d messages", len(got))
	}
}

func TestCreateSameConnection(t *testing.T) {
	s, _, _ := setup(t)
	if err := s.Create("a1", "a1"); !errors.Is(err, ErrSameConnection) {
		t.Errorf("expected ErrSameConnection, got %v", err)
	}
}

func TestAppendErrors(t *testing.T) {
	s, _, _ := setup(t)
	if err := s.AppendUpstream("b1", testMessages(1)...); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	s.RequestPull("a1", bob)
	if _, err := s.DrainDownstream(context.Background(), "a1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendUpstream("b1", testMessages(1)...); !errors.Is(err, ErrDownstreaming) {
		t.Errorf("expected ErrDownstreaming, got %v", err)
	}
	if _, err := s.DrainDownstream(context.Background(), "a1"); !errors.Is(err, ErrDownstreaming) {
		t.Errorf("expected ErrDownstreaming, got %v", err)
	}
	if _, err := s.DrainDownstream(context.Background(), "b2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDrainCanceled(t *testing.T) {
	s, _, _ := setup(t)
	s.RequestPull("a1", bob)
	s.AppendUpstream("b1", testMessages(5)...)

	ctx, cancel := context.WithCancel(context.Background())
	seq, err := s.DrainDownstream(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for range seq {
		count++
		if count == 2 {
			cancel()
		}
	}
	if count != 2 {
		t.Errorf("iteration must stop at the next item after cancel, got %d items", count)
	}
	if s.Len() != 0 {
		t.Error("canceled operation must be removed")
	}
}

func TestDrainAbandoned(t *testing.T) {
	s, _, _ := setup(t)
	s.RequestPull("a1", bob)
	s.AppendUpstream("b1", testMessages(5)...)

	seq, _ := s.DrainDownstream(context.Background(), "a1")
	for range seq {
		break
	}
	if s.Len() != 0 {
		t.Error("abandoned operation must be removed")
	}
}

func TestSweepExpired(t *testing.T) {
	s, _, c := setup(t)

	s.RequestPull("a1", bob)
	s.AppendUpstream("b1", testMessages(1)...)
	c.t = c.t.Add(10 * time.Minute)
	// Second device of bob pulls from alice.
	if err := s.Create("a1", "b2"); err != nil {
		t.Fatal(err)
	}
	// Draining operations expire too.
	if _, err := s.DrainDownstream(context.Background(), "b2"); err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(6 * time.Minute)
	if n := s.SweepExpired(); n != 1 {
		t.Errorf("expected one expired operation, got %d", n)
	}
	if _, err := s.GetRecipientConnectionId("b1"); !errors.Is(err, ErrNotFound) {
		t.Error("old operation must be gone")
	}
	if _, err := s.GetRecipientConnectionId("a1"); err != nil {
		t.Error("fresh operation must survive", err)
	}

	c.t = c.t.Add(10 * time.Minute)
	if n := s.SweepExpired(); n != 1 || s.Len() != 0 {
		t.Errorf("draining operation must be swept, removed %d, left %d", n, s.Len())
	}
}

func TestExpiredOperationIsNotUsable(t *testing.T) {
	s, _, c := setup(t)
	s.RequestPull("a1", bob)
	c.t = c.t.Add(DefaultExpiry + time.Second)

	if err := s.AppendUpstream("b1", testMessages(1)...); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.DrainDownstream(context.Background(), "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRunSweeper(t *testing.T) {
	s, _, c := setup(t)
	s.RequestPull("a1", bob)
	c.t = c.t.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	reports := make(chan int, 16)
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, time.Hour, func(n int) { reports <- n })
		close(done)
	}()

	select {
	case n := <-reports:
		if n != 1 {
			t.Errorf("first pass must remove the stale operation, removed %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not run at start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
