package server

import (
	"errors"

	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var knownVerbs = map[string]bool{
	protocol.VerbLogin: true,
	protocol.VerbMsg:   true,
	protocol.VerbWho:   true,
	protocol.VerbPing:  true,
	protocol.VerbDM:    true,
}

// connHandler holds the protocol state of one client connection. It is only
// ever used from that connection's goroutine.
type connHandler struct {
	registry  *Registry
	metrics   *Metrics
	conn      *SafeConn
	connID    uuid.UUID
	remote    string
	transport string
	log       *logrus.Entry

	// session is nil until LOGIN succeeds and never changes afterwards
	session *Session
}

func newConnHandler(registry *Registry, metrics *Metrics, conn *SafeConn, remote, transport string) *connHandler {
	connID := uuid.New()
	return &connHandler{
		registry:  registry,
		metrics:   metrics,
		conn:      conn,
		connID:    connID,
		remote:    remote,
		transport: transport,
		log: log.WithFields(logrus.Fields{
			"conn":      connID,
			"remote":    remote,
			"transport": transport,
		}),
	}
}

func (h *connHandler) reply(line string) error {
	return h.conn.WriteLine(line)
}

func (h *connHandler) replyError(reason string) error {
	return h.reply(protocol.Error(reason))
}

// handleLine dispatches one framed line. A returned error means the client can
// no longer be written to and the connection should be torn down.
func (h *connHandler) handleLine(line string) error {
	cmd := protocol.ParseCommand(line)
	h.metrics.RecordCommand(cmd.Verb)

	if h.session == nil {
		if cmd.Verb != protocol.VerbLogin {
			return h.replyError(protocol.ReasonLoginRequired)
		}
		return h.handleLogin(cmd.Arg)
	}

	switch cmd.Verb {
	case protocol.VerbMsg:
		return h.handleMsg(cmd.Arg)
	case protocol.VerbWho:
		return h.handleWho()
	case protocol.VerbPing:
		return h.handlePing()
	case protocol.VerbDM:
		return h.handleDM(cmd.Arg)
	default:
		return h.replyError(protocol.ReasonUnknownCommand)
	}
}

func (h *connHandler) handleLogin(arg string) error {
	name, ok := protocol.ValidUsername(arg)
	if !ok {
		return h.replyError(protocol.ReasonInvalidUsername)
	}

	sess := NewSession(name, h.connID, h.remote, h.transport, h.conn)
	err := h.registry.Register(sess, protocol.ReplyOK)
	if errors.Is(err, ErrUsernameTaken) {
		return h.replyError(protocol.ReasonUsernameTaken)
	}

	// Registered even if the OK could not be written; teardown removes it.
	h.session = sess
	h.log = h.log.WithField("user", name)
	h.log.Debug("Logged in")
	return err
}

func (h *connHandler) handleMsg(text string) error {
	if text == "" {
		return nil
	}
	username := h.session.Username
	if evicted := h.registry.Broadcast(protocol.Chat(username, text), username); len(evicted) > 0 {
		h.log.Debugf("Broadcast evicted %v", evicted)
	}
	return nil
}

func (h *connHandler) handleWho() error {
	return h.reply(protocol.Users(h.registry.Usernames()))
}

func (h *connHandler) handlePing() error {
	return h.reply(protocol.ReplyPong)
}

func (h *connHandler) handleDM(arg string) error {
	target, message, ok := protocol.SplitDM(arg)
	if !ok {
		return h.replyError(protocol.ReasonDMUsage)
	}

	if !h.registry.SendTo(target, protocol.Direct(h.session.Username, message)) {
		return h.replyError(protocol.ReasonUserNotFound)
	}
	return nil
}

// teardown releases everything the connection holds. An authenticated user
// is removed from the registry and the remaining users are told about it,
// unless the name has since been claimed by another login.
func (h *connHandler) teardown() {
	if h.session != nil {
		username := h.session.Username
		if !h.registry.Leave(h.session, protocol.Disconnected(username)) {
			h.log.Debug("Username already taken by a newer session, not announcing")
		}
		h.log.Debug("Logged out")
	}
	h.conn.Close()
}
