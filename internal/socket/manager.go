package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/chat-transport/internal/bus"
	"github.com/tbourn/chat-transport/internal/domain"
	"github.com/tbourn/chat-transport/internal/ingress"
	"github.com/tbourn/chat-transport/internal/presence"
	"github.com/tbourn/chat-transport/internal/receipts"
	"github.com/tbourn/chat-transport/internal/repo"
	"github.com/tbourn/chat-transport/internal/replay"
)

// Manager tracks every session this instance currently holds, grouped by
// conversation and by user, and owns the bus subscriptions needed to
// fan delivered envelopes and state changes out to them. Membership
// spanning multiple instances is never tracked here — only what is
// local; cross-instance delivery goes through the bus.
type Manager struct {
	InstanceID string

	Presence  *presence.Registry
	Bus       *bus.Bus
	Validator *ingress.Validator
	Receipts  *receipts.Tracker
	Replay    *replay.Cache

	mu             sync.Mutex
	byConversation map[string]map[*Session]struct{}
	convSubs       map[string]*bus.Subscription
	byUser         map[string]map[*Session]struct{}
	userSubs       map[string]*bus.Subscription
}

// NewManager constructs a Manager bound to instanceID, used to tag
// presence registrations with the owning instance.
func NewManager(instanceID string, presenceReg *presence.Registry, b *bus.Bus, validator *ingress.Validator, tracker *receipts.Tracker, replayCache *replay.Cache) *Manager {
	return &Manager{
		InstanceID:     instanceID,
		Presence:       presenceReg,
		Bus:            b,
		Validator:      validator,
		Receipts:       tracker,
		Replay:         replayCache,
		byConversation: make(map[string]map[*Session]struct{}),
		convSubs:       make(map[string]*bus.Subscription),
		byUser:         make(map[string]map[*Session]struct{}),
		userSubs:       make(map[string]*bus.Subscription),
	}
}

// Accept upgrades conn into a managed Session for userID, registers
// presence, joins the session to every conversation id supplied, and
// runs its pumps until the connection closes. It blocks for the
// lifetime of the connection; callers invoke it in the HTTP handler's
// goroutine per request.
func (m *Manager) Accept(ctx context.Context, conn *websocket.Conn, userID string, conversationIDs []string) {
	sessionID := uuid.NewString()
	session := NewSession(sessionID, userID, m.InstanceID, conn, m.handleFrame, nil)
	session.onClose = func(s *Session) { m.onSessionClosed(ctx, s, conversationIDs) }

	wasFirst, err := m.Presence.Register(ctx, userID, sessionID, m.InstanceID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("socket: presence register failed")
	} else if wasFirst {
		m.publishPresence(ctx, userID, true)
	}

	m.addUser(userID, session)
	for _, convID := range conversationIDs {
		m.joinConversation(ctx, convID, session)
	}

	session.Run(ctx)
}

func (m *Manager) onSessionClosed(ctx context.Context, s *Session, conversationIDs []string) {
	for _, convID := range conversationIDs {
		m.leaveConversation(convID, s)
	}
	m.removeUser(s.UserID, s)

	wentOffline, err := m.Presence.Unregister(ctx, s.UserID, s.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", s.UserID).Msg("socket: presence unregister failed")
		return
	}
	if wentOffline {
		m.publishPresence(ctx, s.UserID, false)
	}
}

func (m *Manager) publishPresence(ctx context.Context, userID string, online bool) {
	ev := presence.Event{UserID: userID, Online: online}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("socket: marshal presence event failed")
		return
	}
	if err := m.Bus.Publish(ctx, bus.UserSubject(userID), payload); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("socket: publish presence event failed")
	}
}

// joinConversation adds session to the conversation's local fan-out set,
// subscribing this instance to the conversation's bus subject the first
// time any local session joins it.
func (m *Manager) joinConversation(ctx context.Context, conversationID string, session *Session) {
	m.mu.Lock()
	set, ok := m.byConversation[conversationID]
	if !ok {
		set = make(map[*Session]struct{})
		m.byConversation[conversationID] = set
	}
	firstLocalJoin := len(set) == 0
	set[session] = struct{}{}
	m.mu.Unlock()

	if !firstLocalJoin {
		return
	}
	sub := m.Bus.Subscribe(ctx, bus.ConversationWildcard(conversationID))
	m.mu.Lock()
	m.convSubs[conversationID] = sub
	m.mu.Unlock()
	go sub.Run(func(subject string, payload []byte) {
		m.deliverToConversation(conversationID, payload)
	})
}

func (m *Manager) leaveConversation(conversationID string, session *Session) {
	m.mu.Lock()
	set, ok := m.byConversation[conversationID]
	if ok {
		delete(set, session)
	}
	empty := ok && len(set) == 0
	var sub *bus.Subscription
	if empty {
		delete(m.byConversation, conversationID)
		sub = m.convSubs[conversationID]
		delete(m.convSubs, conversationID)
	}
	m.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func (m *Manager) deliverToConversation(conversationID string, payload []byte) {
	m.mu.Lock()
	set := m.byConversation[conversationID]
	sessions := make([]*Session, 0, len(set))
	for s := range set {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Send(payload)
	}
}

func (m *Manager) addUser(userID string, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[*Session]struct{})
		m.byUser[userID] = set
	}
	set[session] = struct{}{}
}

func (m *Manager) removeUser(userID string, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.byUser[userID]; ok {
		delete(set, session)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
}

// handleFrame dispatches an inbound client frame by type: message.send
// goes through the ingress validator (C7); receipt records a delivery or
// read acknowledgement via the receipts tracker (C9); join/leave manage
// this session's local conversation subscriptions; heartbeat refreshes
// the presence TTL (C4); replay serves the reconnect catch-up window
// (C6); typing fans an ephemeral indicator out over the bus (C5) without
// ever touching durable storage.
func (m *Manager) handleFrame(s *Session, f Frame) {
	ctx := context.Background()
	switch f.Type {
	case "message.send":
		var req ingress.Request
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("socket: malformed message.send payload")
			return
		}
		req.SenderID = s.UserID
		ack, err := m.Validator.Submit(ctx, req)
		if err != nil {
			m.replyError(s, err)
			return
		}
		m.reply(s, "message.ack", ack)
	case "receipt":
		var r receiptFrame
		if err := json.Unmarshal(f.Payload, &r); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("socket: malformed receipt payload")
			return
		}
		if err := m.Receipts.Record(ctx, r.ConversationID, r.MessageID, s.UserID, domain.ReceiptState(r.State), r.Recipients); err != nil {
			log.Warn().Err(err).Str("message_id", r.MessageID).Msg("socket: record receipt failed")
		}
	case "join":
		m.handleJoin(ctx, s, f)
	case "leave":
		m.handleLeave(s, f)
	case "heartbeat":
		if err := m.Presence.Heartbeat(ctx, s.UserID, s.ID); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Str("user_id", s.UserID).Msg("socket: heartbeat failed")
		}
	case "replay":
		m.handleReplay(ctx, s, f)
	case "typing":
		m.handleTyping(ctx, s, f)
	case "ping":
		m.reply(s, "pong", nil)
	default:
		log.Debug().Str("type", f.Type).Msg("socket: unrecognized frame type")
	}
}

type receiptFrame struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	State          string   `json:"state"`
	Recipients     []string `json:"recipients"`
}

type conversationFrame struct {
	ConversationID string `json:"conversation_id"`
}

type replayFrame struct {
	ConversationID string `json:"conversation_id"`
	AfterMessageID string `json:"after_message_id,omitempty"`
}

type typingFrame struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
	TS             int64  `json:"ts,omitempty"`
}

// handleJoin verifies the caller is a member of the requested conversation
// before subscribing the session to it locally; an unauthorized or
// unknown conversation id never reaches joinConversation.
func (m *Manager) handleJoin(ctx context.Context, s *Session, f Frame) {
	var req conversationFrame
	if err := json.Unmarshal(f.Payload, &req); err != nil || req.ConversationID == "" {
		m.replyErrorCode(s, ingress.CodeMissingField, "join requires conversation_id")
		return
	}
	status, err := repo.IsMember(ctx, m.Validator.DB, req.ConversationID, s.UserID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("socket: join membership check failed")
		m.replyErrorCode(s, ingress.CodeEnqueueFailed, "membership check failed")
		return
	}
	if status == repo.NotMember {
		m.replyErrorCode(s, ingress.CodeNotMember, "not a member of this conversation")
		return
	}
	if status == repo.BlockedMember {
		m.replyErrorCode(s, ingress.CodeUserBlocked, "blocked in this conversation")
		return
	}
	m.joinConversation(ctx, req.ConversationID, s)
	m.reply(s, "join.ack", map[string]bool{"joined": true})
}

func (m *Manager) handleLeave(s *Session, f Frame) {
	var req conversationFrame
	if err := json.Unmarshal(f.Payload, &req); err != nil || req.ConversationID == "" {
		m.replyErrorCode(s, ingress.CodeMissingField, "leave requires conversation_id")
		return
	}
	m.leaveConversation(req.ConversationID, s)
	m.reply(s, "leave.ack", map[string]bool{"left": true})
}

// handleReplay serves the reconnect catch-up window (C6) for a
// conversation the caller must already be a member of.
func (m *Manager) handleReplay(ctx context.Context, s *Session, f Frame) {
	var req replayFrame
	if err := json.Unmarshal(f.Payload, &req); err != nil || req.ConversationID == "" {
		m.replyErrorCode(s, ingress.CodeMissingField, "replay requires conversation_id")
		return
	}
	status, err := repo.IsMember(ctx, m.Validator.DB, req.ConversationID, s.UserID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("socket: replay membership check failed")
		m.replyErrorCode(s, ingress.CodeEnqueueFailed, "membership check failed")
		return
	}
	if status == repo.NotMember {
		m.replyErrorCode(s, ingress.CodeNotMember, "not a member of this conversation")
		return
	}
	entries, err := m.Replay.FetchSince(ctx, req.ConversationID, req.AfterMessageID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("socket: replay fetch failed")
		m.replyErrorCode(s, ingress.CodeEnqueueFailed, "replay fetch failed")
		return
	}
	m.reply(s, "replay.result", map[string]any{
		"conversation_id": req.ConversationID,
		"entries":         entries,
	})
}

// handleTyping fans the indicator out over C5 exactly as received,
// re-attributed to the authenticated session's user id; it is never
// persisted and never gated by idempotency, matching its ephemeral
// nature.
func (m *Manager) handleTyping(ctx context.Context, s *Session, f Frame) {
	var t typingFrame
	if err := json.Unmarshal(f.Payload, &t); err != nil || t.ConversationID == "" {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("socket: malformed typing payload")
		return
	}
	t.UserID = s.UserID
	payload, err := json.Marshal(t)
	if err != nil {
		log.Error().Err(err).Msg("socket: marshal typing event failed")
		return
	}
	out, err := json.Marshal(Frame{Type: "typing", Payload: payload})
	if err != nil {
		log.Error().Err(err).Msg("socket: marshal typing frame failed")
		return
	}
	if err := m.Bus.Publish(ctx, bus.TypingSubject(t.ConversationID), out); err != nil {
		log.Warn().Err(err).Str("conversation_id", t.ConversationID).Msg("socket: publish typing event failed")
	}
}

func (m *Manager) reply(s *Session, frameType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("socket: marshal reply failed")
		return
	}
	out, err := json.Marshal(Frame{Type: frameType, Payload: body})
	if err != nil {
		log.Error().Err(err).Msg("socket: marshal frame failed")
		return
	}
	s.Send(out)
}

func (m *Manager) replyError(s *Session, err error) {
	code := ingress.CodeEnqueueFailed
	msg := err.Error()
	var verr *ingress.ValidationError
	if errors.As(err, &verr) {
		code = verr.Code
		msg = verr.Message
	}
	m.replyErrorCode(s, code, msg)
}

func (m *Manager) replyErrorCode(s *Session, code ingress.ErrorCode, msg string) {
	m.reply(s, "message.error", map[string]string{"code": string(code), "message": msg})
}
