// Package chat turns the backend's chat events into typed messages and
// typing indicators, and sends typing signals back.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/rtcomm/internal/events"
	"github.com/petervdpas/rtcomm/internal/proto"
	"github.com/petervdpas/rtcomm/internal/util"
)

// Signaler sends commands on the realtime connection. conn.Manager
// satisfies it.
type Signaler interface {
	Emit(ctx context.Context, event string, payload any) error
}

const (
	// DefaultBufferSize is the default number of messages kept in memory.
	DefaultBufferSize = 100

	// TypingTimeout expires a typing indicator that was never stopped.
	TypingTimeout = 6 * time.Second
)

// Options tunes a Manager. Zero values take defaults.
type Options struct {
	BufferSize int
	Store      MessageStore // optional; Send and Load need it
	Clock      clock.Clock
}

// Manager keeps the recent messages seen on the connection and who is
// typing where.
type Manager struct {
	disp  *events.Dispatcher
	sig   Signaler
	store MessageStore
	self  string
	clock clock.Clock

	messages *util.RingBuffer[Message]

	mu        sync.RWMutex
	listeners []chan Message
	typers    []chan TypingUpdate
	typing    map[string]map[string]time.Time // conversation → user → last signal
	expiry    map[string]*clock.Timer          // conversation/user → pending expiry

	handles map[string]*events.Listener
}

// New creates a chat manager for the local user self.
func New(disp *events.Dispatcher, sig Signaler, self string, opts Options) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	m := &Manager{
		disp:     disp,
		sig:      sig,
		store:    opts.Store,
		self:     self,
		clock:    opts.Clock,
		messages: util.NewRingBuffer[Message](opts.BufferSize),
		typing:   make(map[string]map[string]time.Time),
		expiry:   make(map[string]*clock.Timer),
	}
	m.handles = map[string]*events.Listener{
		proto.EventNewMessage:        events.Listen(m.onNewMessage),
		proto.EventUserTyping:        events.Listen(m.onTyping(true)),
		proto.EventUserStoppedTyping: events.Listen(m.onTyping(false)),
	}
	return m
}

// Attach registers the chat handlers on the dispatcher.
func (m *Manager) Attach() {
	for name, l := range m.handles {
		m.disp.On(name, l)
	}
}

// Detach removes the chat handlers.
func (m *Manager) Detach() {
	for name, l := range m.handles {
		m.disp.Off(name, l)
	}
}

// Send posts content to a conversation through the message store.
func (m *Manager) Send(ctx context.Context, conversationID, content string) (Message, error) {
	if m.store == nil {
		return Message{}, errors.New("chat: no message store configured")
	}
	msg, err := m.store.Send(ctx, conversationID, content)
	if err != nil {
		return Message{}, err
	}
	m.addMessage(msg)
	if err := m.StopTyping(ctx, conversationID); err != nil {
		log.Printf("CHAT: stop-typing after send: %v", err)
	}
	return msg, nil
}

// Load fetches a conversation's recent history into the buffer.
func (m *Manager) Load(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if m.store == nil {
		return nil, errors.New("chat: no message store configured")
	}
	msgs, err := m.store.History(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		m.addMessage(msg)
	}
	return msgs, nil
}

// StartTyping tells the conversation the local user is typing.
func (m *Manager) StartTyping(ctx context.Context, conversationID string) error {
	return m.emitTyping(ctx, proto.CmdTyping, conversationID)
}

// StopTyping clears the local user's typing indicator.
func (m *Manager) StopTyping(ctx context.Context, conversationID string) error {
	return m.emitTyping(ctx, proto.CmdStopTyping, conversationID)
}

func (m *Manager) emitTyping(ctx context.Context, cmd, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("chat: conversation id is empty")
	}
	if err := m.sig.Emit(ctx, cmd, proto.TypingPayload{ConversationID: conversationID}); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// Messages returns the buffered messages, oldest first.
func (m *Manager) Messages() []Message {
	return m.messages.Snapshot()
}

// Conversation returns the buffered messages of one conversation.
func (m *Manager) Conversation(conversationID string) []Message {
	var out []Message
	for _, msg := range m.messages.Snapshot() {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out
}

// Typing returns who is typing in a conversation, sorted.
func (m *Manager) Typing(conversationID string) []string {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for user, at := range m.typing[conversationID] {
		if now.Sub(at) > TypingTimeout {
			delete(m.typing[conversationID], user)
			m.notifyTypingLocked(TypingUpdate{ConversationID: conversationID, UserID: user})
			continue
		}
		out = append(out, user)
	}
	slices.Sort(out)
	return out
}

// Subscribe returns a channel that receives new messages.
func (m *Manager) Subscribe() <-chan Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Message, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a message channel.
func (m *Manager) Unsubscribe(ch <-chan Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			close(l)
			m.listeners = slices.Delete(m.listeners, i, i+1)
			return
		}
	}
}

// SubscribeTyping returns a channel that receives typing changes, timeouts
// included.
func (m *Manager) SubscribeTyping() <-chan TypingUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan TypingUpdate, 10)
	m.typers = append(m.typers, ch)
	return ch
}

// Close detaches and closes every subscriber channel.
func (m *Manager) Close() error {
	m.Detach()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.expiry {
		t.Stop()
	}
	clear(m.expiry)
	for _, l := range m.listeners {
		close(l)
	}
	for _, l := range m.typers {
		close(l)
	}
	m.listeners, m.typers = nil, nil
	return nil
}

func (m *Manager) onNewMessage(e events.Event) error {
	var p proto.NewMessage
	if err := e.Decode(&p); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if p.ConversationID == "" || p.Message.ID == "" {
		return errors.New("chat: new_message without conversation or message id")
	}
	msg := fromWire(p.ConversationID, p.Message, m.clock.Now())
	if !m.addMessage(msg) {
		return nil
	}
	log.Printf("CHAT: message %s in %s from %s", util.ShortID(msg.ID), p.ConversationID, msg.SenderID)
	// A message ends its sender's typing.
	m.setTyping(TypingUpdate{ConversationID: p.ConversationID, UserID: msg.SenderID})
	return nil
}

func (m *Manager) onTyping(typing bool) func(events.Event) error {
	return func(e events.Event) error {
		var p proto.Typing
		if err := e.Decode(&p); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		if p.UserID == "" || p.ConversationID == "" {
			return fmt.Errorf("chat: %s without user or conversation", e.Name)
		}
		if p.UserID == m.self {
			return nil
		}
		m.setTyping(TypingUpdate{ConversationID: p.ConversationID, UserID: p.UserID, Typing: typing})
		return nil
	}
}

// addMessage buffers msg and notifies listeners. Returns false if a message
// with the same id is already buffered.
func (m *Manager) addMessage(msg Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.messages.Snapshot() {
		if have.ID == msg.ID {
			return false
		}
	}
	m.messages.Push(msg)

	for _, l := range m.listeners {
		select {
		case l <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	return true
}

func (m *Manager) setTyping(u TypingUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.typing[u.ConversationID]
	_, was := users[u.UserID]
	key := u.ConversationID + "/" + u.UserID
	if t := m.expiry[key]; t != nil {
		t.Stop()
		delete(m.expiry, key)
	}
	if u.Typing {
		if users == nil {
			users = make(map[string]time.Time)
			m.typing[u.ConversationID] = users
		}
		at := m.clock.Now()
		users[u.UserID] = at
		m.expiry[key] = m.clock.AfterFunc(TypingTimeout, func() { m.expireTyping(u.ConversationID, u.UserID, at) })
	} else {
		delete(users, u.UserID)
	}
	if was != u.Typing {
		m.notifyTypingLocked(u)
	}
}

// expireTyping drops an indicator that was not refreshed since at.
func (m *Manager) expireTyping(conversationID, userID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := m.typing[conversationID]
	if last, ok := users[userID]; !ok || !last.Equal(at) {
		return
	}
	delete(users, userID)
	delete(m.expiry, conversationID+"/"+userID)
	m.notifyTypingLocked(TypingUpdate{ConversationID: conversationID, UserID: userID})
}

func (m *Manager) notifyTypingLocked(u TypingUpdate) {
	for _, l := range m.typers {
		select {
		case l <- u:
		default:
		}
	}
}
