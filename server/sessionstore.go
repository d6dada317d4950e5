/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live websocket sessions indexed by session ID.
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/directim/relay/server/logs"
	"github.com/directim/relay/server/store"
	"github.com/directim/relay/server/store/types"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Size of the outbound queue of a session.
const sendQueueLimit = 256

// SessionStore holds live sessions.
type SessionStore struct {
	lock sync.Mutex

	// All sessions indexed by session ID
	sessCache map[string]*Session

	// Per-session request rate; zero means unlimited.
	rateLimit rate.Limit
	rateBurst int
}

// NewSession creates a new session and saves it to the session store.
func (ss *SessionStore) NewSession(ws *websocket.Conn) (*Session, int) {
	s := &Session{
		ws:         ws,
		sid:        store.Store.GetUidString(),
		send:       make(chan any, sendQueueLimit+32), // buffered
		stop:       make(chan any, 1),                 // Buffered by 1 just to make it non-blocking
		lastAction: types.TimeNow(),
	}
	if ss.rateLimit > 0 {
		s.limiter = rate.NewLimiter(ss.rateLimit, ss.rateBurst)
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsInc("TotalSessions", 1)
	statsSet("LiveSessions", int64(count))

	return s, count
}

// Get fetches a session from store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes session from store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	delete(ss.sessCache, s.sid)
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsSet("LiveSessions", int64(count))

	return count
}

// Shutdown terminates sessionStore. No need to clean up.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	shutdown := NoErrShutdown(types.TimeNow())
	for _, s := range ss.sessCache {
		select {
		case s.stop <- shutdown:
		default:
		}
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}

// NewSessionStore initializes a session store. rps <= 0 disables rate limiting.
func NewSessionStore(rps float64, burst int) *SessionStore {
	ss := &SessionStore{
		sessCache: make(map[string]*Session),
	}
	if rps > 0 {
		ss.rateLimit = rate.Limit(rps)
		ss.rateBurst = max(burst, 1)
	}

	statsRegisterInt("LiveSessions")
	statsRegisterInt("TotalSessions")

	return ss
}
