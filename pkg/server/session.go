package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrUsernameTaken is returned by Register when another live session already
// uses the username.
var ErrUsernameTaken = errors.New("username already registered")

// Session represents an authenticated client
type Session struct {
	Username   string
	ConnID     uuid.UUID // Connection identifier, used in logs
	RemoteAddr string
	Transport  string // "tcp" or "websocket"
	sink       Sink
}

// NewSession creates a session that delivers lines to sink.
func NewSession(username string, connID uuid.UUID, remoteAddr, transport string, sink Sink) *Session {
	return &Session{
		Username:   username,
		ConnID:     connID,
		RemoteAddr: remoteAddr,
		Transport:  transport,
		sink:       sink,
	}
}

// Registry is the table of online users.
//
// One mutex guards every read and every write of the table. Lines written by
// the registry are sent while the mutex is held, so a broadcast is never
// interleaved with another broadcast or with a registration.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register adds sess under its username and, if ack is not empty, writes ack
// to it before releasing the lock so that no broadcast can overtake it.
//
// ErrUsernameTaken means the session was not added. Any other error comes from
// writing ack; the session was added and the caller owns its removal.
func (r *Registry) Register(sess *Session, ack string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.sessions[sess.Username]; taken {
		return ErrUsernameTaken
	}
	r.sessions[sess.Username] = sess
	r.metrics.RecordActiveSessions(len(r.sessions))

	if ack == "" {
		return nil
	}
	return sess.sink.WriteLine(ack)
}

// Remove deletes sess from the registry. A different session registered under
// the same username is left alone. Reports whether sess was present.
func (r *Registry) Remove(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[sess.Username]
	if !ok || current != sess {
		return false
	}
	delete(r.sessions, sess.Username)
	r.metrics.RecordActiveSessions(len(r.sessions))
	return true
}

// Usernames returns the registered usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SendTo writes line to the session registered as username. It reports
// whether such a session exists; a failed write is logged and otherwise
// ignored.
func (r *Registry) SendTo(username, line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok {
		r.metrics.RecordDirectMessage("not_found")
		return false
	}

	if err := sess.sink.WriteLine(line); err != nil {
		r.metrics.RecordDirectMessage("failed")
		log.WithFields(logrus.Fields{
			"conn": sess.ConnID,
			"user": username,
		}).Debugf("Direct message delivery failed: %v", err)
		return true
	}
	r.metrics.RecordDirectMessage("delivered")
	return true
}

// Broadcast writes line to every session except the one registered as
// exclude (pass "" to exclude nobody). Sessions whose write fails are removed
// once the fan-out is complete and returned. Their transports are left open
// and no disconnect notice is sent for them.
func (r *Registry) Broadcast(line, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(line, exclude)
}

// Leave removes sess like Remove and then sends notice to everyone else,
// unless another session now holds the username. Reports whether the notice
// was sent.
func (r *Registry) Leave(sess *Session, notice string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[sess.Username]
	if ok {
		if current != sess {
			return false
		}
		delete(r.sessions, sess.Username)
		r.metrics.RecordActiveSessions(len(r.sessions))
	}

	r.broadcastLocked(notice, sess.Username)
	return true
}

// broadcastLocked does the work of Broadcast. r.mu must be held.
func (r *Registry) broadcastLocked(line, exclude string) []string {
	startTime := time.Now()

	var dead []string
	recipients := 0
	for name, sess := range r.sessions {
		if name == exclude {
			continue
		}
		recipients++
		if err := sess.sink.WriteLine(line); err != nil {
			log.WithFields(logrus.Fields{
				"conn": sess.ConnID,
				"user": name,
			}).Debugf("Broadcast delivery failed, evicting: %v", err)
			dead = append(dead, name)
		}
	}

	// Remove dead sessions
	for _, name := range dead {
		delete(r.sessions, name)
	}

	r.metrics.RecordBroadcast(recipients, time.Since(startTime).Seconds())
	r.metrics.RecordEvictions(len(dead))
	if len(dead) > 0 {
		r.metrics.RecordActiveSessions(len(r.sessions))
	}

	return dead
}
