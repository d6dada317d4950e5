/******************************************************************************
 *
 *  Description :
 *
 *    Main hub: owns the presence registry and the pull table, routes messages
 *    between sessions and writes relayed messages to history.
 *
 *****************************************************************************/

package main

import (
	"context"
	"time"

	"github.com/directim/relay/server/chat"
	"github.com/directim/relay/server/concurrency"
	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/pull"
	"github.com/directim/relay/server/store"
	"github.com/directim/relay/server/store/types"
)

// Hub is the core structure which holds live state and routes messages to sessions.
type Hub struct {
	// Online users, their contacts and connections.
	chat *chat.Service

	// In-flight history transfers.
	pulls *pull.Service

	// Background writes of relayed messages; nil if history is not persisted.
	history *concurrency.GoRoutinePool

	// Messages addressed to individual sessions, RcptTo is the session ID.
	route chan *ServerComMessage

	// Request to shutdown, buffered 1
	shutdown chan chan<- bool

	// Stops the expiry sweeper.
	stopSweeper context.CancelFunc
}

type hubConfig struct {
	registryShards int
	expireAfter    time.Duration
	sweepPeriod    time.Duration
	historyWorkers int
}

func newHub(conf *hubConfig) *Hub {
	registry := chat.New(conf.registryShards)
	h := &Hub{
		chat:     registry,
		pulls:    pull.New(registry, conf.expireAfter),
		route:    make(chan *ServerComMessage, 4096),
		shutdown: make(chan chan<- bool),
	}

	if store.Store.IsOpen() {
		h.history = concurrency.NewGoRoutinePool(conf.historyWorkers, conf.historyWorkers*64)
	}

	statsRegisterInt("OnlineUsers")
	statsRegisterInt("MessagesRelayed")
	statsRegisterInt("MessagesUndelivered")
	statsRegisterInt("HistoryWritesFailed")
	statsRegisterInt("LivePulls")
	statsRegisterInt("PullsRequested")
	statsRegisterInt("PullsCompleted")
	statsRegisterInt("PullsExpired")
	statsRegisterInt("TotalJoins")

	var ctx context.Context
	ctx, h.stopSweeper = context.WithCancel(context.Background())
	go h.pulls.RunSweeper(ctx, conf.sweepPeriod, func(removed int) {
		if removed > 0 {
			statsInc("PullsExpired", removed)
		}
		statsSet("LivePulls", int64(h.pulls.Len()))
	})

	go h.run()

	return h
}

func (h *Hub) run() {
	for {
		select {
		case msg := <-h.route:
			// Deliver the message to a single session. The session may be gone by now.
			if sess := globals.sessionStore.Get(msg.RcptTo); sess != nil {
				if !sess.queueOut(msg) {
					logs.Warn.Println("hub: session queue full, dropped", msg.describe(), msg.RcptTo)
				}
			}

		case hubdone := <-h.shutdown:
			h.stopSweeper()
			if h.history != nil {
				// Finish pending history writes.
				h.history.Stop()
			}
			logs.Info.Println("hub: shutdown completed")

			// let the main goroutine know we are done with the cleanup
			hubdone <- true

			return
		}
	}
}

// routeTo sends a copy of msg to each of the sessions.
func (h *Hub) routeTo(msg *ServerComMessage, sids []string) {
	for _, sid := range sids {
		m := *msg
		m.RcptTo = sid
		select {
		case h.route <- &m:
		default:
			logs.Err.Println("hub: route queue full, dropped", m.describe(), sid)
		}
	}
}

// saveMessage writes a relayed message to history in the background.
func (h *Hub) saveMessage(msg *types.Message) {
	if h.history == nil {
		return
	}
	if !h.history.Schedule(func() {
		if err := store.Messages.Save(msg); err != nil {
			statsInc("HistoryWritesFailed", 1)
			logs.Warn.Println("hub: failed to save message", msg.Id, err)
		}
	}) {
		logs.Warn.Println("hub: history is stopped, message not saved", msg.Id)
	}
}

// updateMessage applies an edit to the stored message in the background.
func (h *Hub) updateMessage(id, senderID, text string, editedAt time.Time) {
	if h.history == nil {
		return
	}
	if !h.history.Schedule(func() {
		if err := store.Messages.Update(id, senderID, text, editedAt); err != nil {
			statsInc("HistoryWritesFailed", 1)
			logs.Warn.Println("hub: failed to update message", id, err)
		}
	}) {
		logs.Warn.Println("hub: history is stopped, edit not saved", id)
	}
}
