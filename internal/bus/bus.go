// Package bus routes typed A2A messages between campaign agents.
//
// Agents register by name. A message sent to an agent is either handed to
// the handler the agent registered for that message type, or parked in the
// agent's pull queue until it polls with GetMessages. Every sent message is
// kept in a bounded history together with its delivery bookkeeping.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/internal/metrics"
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

var tracer = otel.Tracer("campaign-substrate/bus")

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrInvalidTimeout  = errors.New("timeout must not be negative")
	ErrResponseTimeout = errors.New("timed out waiting for response")
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrUnknownMessage  = errors.New("unknown message")
	ErrClosed          = errors.New("message bus closed")
)

// Handler processes a message delivered to an agent. A non-nil payload is
// recorded as the agent's response when the message requires one.
type Handler func(ctx context.Context, msg *models.Message) (models.Payload, error)

// Config sizes the bus.
type Config struct {
	// HistorySize is the number of sent messages retained.
	HistorySize int

	// QueueGrace is how long GetMessages keeps collecting after the first
	// message arrives.
	QueueGrace time.Duration

	// MaxQueueDepth caps each pull queue. Messages beyond it are recorded
	// as failed deliveries.
	MaxQueueDepth int
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:   1000,
		QueueGrace:    100 * time.Millisecond,
		MaxQueueDepth: 1000,
	}
}

// Stats summarises bus activity.
type Stats struct {
	Agents           int   `json:"agents"`
	ActiveAgents     int   `json:"active_agents"`
	HistorySize      int   `json:"history_size"`
	QueuedMessages   int   `json:"queued_messages"`
	Sent             int64 `json:"sent"`
	Delivered        int64 `json:"delivered"`
	FailedDeliveries int64 `json:"failed_deliveries"`
	Responses        int64 `json:"responses"`
}

// Bus is the in-process message router. Create with New, release with Close.
type Bus struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	agents    map[string]*models.AgentInfo
	handlers  map[string]map[models.MessageType]Handler
	queues    map[string]*queue
	history   *history
	messages  map[string]*models.Message // history index by id
	responses map[string][]models.Response
	waiters   map[string]chan struct{} // closed on first response
	closed    bool

	sent, delivered, failed, responded int64

	inflight sync.WaitGroup
}

// New creates a bus. Zero config fields use DefaultConfig.
func New(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.QueueGrace < 0 {
		cfg.QueueGrace = 0
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = def.MaxQueueDepth
	}
	return &Bus{
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		agents:    make(map[string]*models.AgentInfo),
		handlers:  make(map[string]map[models.MessageType]Handler),
		queues:    make(map[string]*queue),
		history:   newHistory(cfg.HistorySize),
		messages:  make(map[string]*models.Message),
		responses: make(map[string][]models.Response),
		waiters:   make(map[string]chan struct{}),
	}
}

// ── Registry ────────────────────────────────────────────────

// RegisterAgent adds or refreshes an agent and marks it active.
func (b *Bus) RegisterAgent(name string, metadata map[string]string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownAgent)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	now := b.now()
	info, ok := b.agents[name]
	if !ok {
		info = &models.AgentInfo{Name: name, RegisteredAt: now}
		b.agents[name] = info
		b.queues[name] = newQueue(b.cfg.MaxQueueDepth)
	}
	info.Active = true
	info.LastSeen = now
	if metadata != nil {
		info.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			info.Metadata[k] = v
		}
	}

	log.Info().Str("agent", name).Bool("new", !ok).Msg("Agent registered on message bus")
	return nil
}

// UnregisterAgent marks the agent inactive. Its history, handlers and
// queued messages are kept so a later RegisterAgent picks up where it left.
func (b *Bus) UnregisterAgent(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	info.Active = false
	log.Info().Str("agent", name).Msg("Agent unregistered from message bus")
	return nil
}

// Agent returns a copy of the registry entry.
func (b *Bus) Agent(name string) (models.AgentInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.agents[name]
	if !ok {
		return models.AgentInfo{}, false
	}
	return copyAgent(info), true
}

// ListAgents returns registry entries sorted by name.
func (b *Bus) ListAgents(activeOnly bool) []models.AgentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.AgentInfo, 0, len(b.agents))
	for _, info := range b.agents {
		if activeOnly && !info.Active {
			continue
		}
		out = append(out, copyAgent(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyAgent(info *models.AgentInfo) models.AgentInfo {
	out := *info
	if info.Metadata != nil {
		out.Metadata = make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// RegisterHandler sets the handler for (agent, type). The last registration
// wins. The agent does not have to be registered yet.
func (b *Bus) RegisterHandler(agent string, t models.MessageType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, t)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidMessage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	hs, ok := b.handlers[agent]
	if !ok {
		hs = make(map[models.MessageType]Handler)
		b.handlers[agent] = hs
	}
	hs[t] = h
	return nil
}

// RemoveHandler drops the handler for (agent, type), if any.
func (b *Bus) RemoveHandler(agent string, t models.MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[agent], t)
}

// ── Sending ─────────────────────────────────────────────────

type delivery struct {
	recipient string
	handler   Handler
}

func (b *Bus) validate(msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.Payload == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	if msg.Type == "" {
		msg.Type = msg.Payload.MessageType()
	}
	if msg.Payload.MessageType() != msg.Type {
		return fmt.Errorf("%w: payload %s does not match type %s", ErrInvalidMessage, msg.Payload.MessageType(), msg.Type)
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	if msg.DeliveryMode == "" {
		msg.DeliveryMode = models.DeliveryAsync
	}
	switch msg.DeliveryMode {
	case models.DeliveryAsync, models.DeliverySync:
		if len(msg.Recipients) == 0 {
			return fmt.Errorf("%w: no recipients", ErrInvalidMessage)
		}
	case models.DeliveryBroadcast:
	default:
		return fmt.Errorf("%w: unknown delivery mode %q", ErrInvalidMessage, msg.DeliveryMode)
	}
	if msg.ResponseTimeout < 0 {
		return fmt.Errorf("%w: negative response timeout", ErrInvalidMessage)
	}
	return nil
}

// Send routes msg to its recipients. Unregistered or inactive recipients
// are recorded in FailedDeliveries and skipped. The result is false when
// no valid recipient remained.
//
// Pull-queue deliveries happen before Send returns, so messages to one
// recipient queue up in send order. Handlers are awaited in sync mode and
// run in the background otherwise. Broadcast messages go to every active
// agent except the sender.
//
// The bus keeps its own copy of msg; use Message(id) to follow delivery.
// Caller-set delivery fields are ignored, and an id still held in history
// is rejected.
func (b *Bus) Send(ctx context.Context, msg *models.Message) (bool, error) {
	if err := b.validate(msg); err != nil {
		return false, err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = b.now()
	}
	if msg.Priority == "" {
		msg.Priority = models.PriorityNormal
	}

	ctx, span := tracer.Start(ctx, "bus.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
		attribute.String("message.mode", string(msg.DeliveryMode)),
	)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false, ErrClosed
	}
	if _, dup := b.messages[msg.ID]; dup {
		b.mu.Unlock()
		return false, fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, msg.ID)
	}
	if msg.DeliveryMode == models.DeliveryBroadcast {
		msg.Recipients = b.broadcastRecipientsLocked(msg.Sender)
	}

	m := msg.Snapshot()
	stored := &m
	// delivery bookkeeping belongs to the bus
	stored.DeliveredTo = nil
	stored.FailedDeliveries = nil
	stored.ResponseReceived = false
	var deliveries []delivery
	valid := 0
	for _, rcpt := range stored.Recipients {
		info, ok := b.agents[rcpt]
		if !ok || !info.Active {
			stored.FailedDeliveries = appendUnique(stored.FailedDeliveries, rcpt)
			b.failed++
			metrics.DeliveryFailures.WithLabelValues("invalid_recipient").Inc()
			log.Warn().Str("message_id", stored.ID).Str("agent", rcpt).Msg("Message addressed to unknown or inactive agent")
			continue
		}
		valid++
		if h, ok := b.handlers[rcpt][stored.Type]; ok {
			deliveries = append(deliveries, delivery{recipient: rcpt, handler: h})
			continue
		}
		if b.queues[rcpt].push(stored.Snapshot()) {
			stored.DeliveredTo = appendUnique(stored.DeliveredTo, rcpt)
			b.delivered++
		} else {
			stored.FailedDeliveries = appendUnique(stored.FailedDeliveries, rcpt)
			b.failed++
			metrics.DeliveryFailures.WithLabelValues("queue_full").Inc()
			log.Warn().Str("message_id", stored.ID).Str("agent", rcpt).Msg("Pull queue full, message dropped")
		}
	}
	b.recordLocked(stored)
	if len(deliveries) > 0 && msg.DeliveryMode != models.DeliverySync {
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	metrics.MessagesSent.WithLabelValues(string(stored.Type), string(stored.DeliveryMode)).Inc()
	log.Debug().
		Str("message_id", stored.ID).
		Str("type", string(stored.Type)).
		Str("sender", stored.Sender).
		Strs("recipients", stored.Recipients).
		Int("handlers", len(deliveries)).
		Msg("Message sent")

	if len(deliveries) == 0 {
		return valid > 0, nil
	}

	if msg.DeliveryMode == models.DeliverySync {
		b.dispatch(ctx, stored, deliveries)
		return true, nil
	}

	go func() {
		defer b.inflight.Done()
		b.dispatch(context.WithoutCancel(ctx), stored, deliveries)
	}()
	return true, nil
}

// Broadcast sends msg to every active agent except its sender.
func (b *Bus) Broadcast(ctx context.Context, msg *models.Message) (bool, error) {
	if msg != nil {
		msg.DeliveryMode = models.DeliveryBroadcast
	}
	return b.Send(ctx, msg)
}

func (b *Bus) broadcastRecipientsLocked(sender string) []string {
	var out []string
	for name, info := range b.agents {
		if info.Active && name != sender {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// recordLocked appends m to the history and drops whatever it evicted
// from the id index.
func (b *Bus) recordLocked(m *models.Message) {
	b.sent++
	b.messages[m.ID] = m
	if old := b.history.add(m); old != nil && b.messages[old.ID] == old {
		delete(b.messages, old.ID)
		delete(b.responses, old.ID)
		if ch, ok := b.waiters[old.ID]; ok {
			delete(b.waiters, old.ID)
			close(ch)
		}
	}
}

// dispatch runs every handler delivery concurrently and waits for them.
func (b *Bus) dispatch(ctx context.Context, m *models.Message, deliveries []delivery) {
	var g errgroup.Group
	for _, d := range deliveries {
		g.Go(func() error {
			b.deliver(ctx, m, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Bus) deliver(ctx context.Context, m *models.Message, d delivery) {
	b.mu.RLock()
	view := m.Snapshot()
	b.mu.RUnlock()

	if view.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, view.ResponseTimeout)
		defer cancel()
	}

	resp, err := b.invoke(ctx, d.handler, &view)

	b.mu.Lock()
	defer b.mu.Unlock()

	if info, ok := b.agents[d.recipient]; ok {
		info.LastSeen = b.now()
	}
	if err != nil {
		m.FailedDeliveries = appendUnique(m.FailedDeliveries, d.recipient)
		b.failed++
		metrics.DeliveryFailures.WithLabelValues("handler_error").Inc()
		log.Warn().Err(err).
			Str("message_id", m.ID).
			Str("type", string(m.Type)).
			Str("agent", d.recipient).
			Msg("Message handler failed")
		return
	}

	m.DeliveredTo = appendUnique(m.DeliveredTo, d.recipient)
	b.delivered++

	if m.RequiresResponse && resp != nil {
		b.recordResponseLocked(m, models.Response{
			MessageID:  m.ID,
			Responder:  d.recipient,
			Payload:    resp,
			ReceivedAt: b.now(),
		})
	}
}

// invoke calls h and turns a panic into an error.
func (b *Bus) invoke(ctx context.Context, h Handler, msg *models.Message) (resp models.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (b *Bus) recordResponseLocked(m *models.Message, r models.Response) {
	// an evicted message has nobody left to wait for it
	if b.messages[m.ID] != m {
		return
	}
	b.responses[m.ID] = append(b.responses[m.ID], r)
	m.ResponseReceived = true
	b.responded++
	if ch, ok := b.waiters[m.ID]; ok {
		delete(b.waiters, m.ID)
		close(ch)
	}
}

// Respond records a response to a message that was received through a pull
// queue rather than a handler.
func (b *Bus) Respond(messageID, responder string, payload models.Payload) error {
	if payload == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if !m.RequiresResponse {
		return fmt.Errorf("%w: message %s does not expect a response", ErrInvalidMessage, messageID)
	}
	b.recordResponseLocked(m, models.Response{
		MessageID:  messageID,
		Responder:  responder,
		Payload:    payload,
		ReceivedAt: b.now(),
	})
	return nil
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// ── Receiving ───────────────────────────────────────────────

// GetMessages drains the agent's pull queue. With an empty queue it blocks
// up to timeout for the first message; it then keeps collecting while
// messages keep arriving within the configured grace period. An empty
// result means nothing arrived in time.
func (b *Bus) GetMessages(ctx context.Context, agent string, timeout time.Duration) ([]models.Message, error) {
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}
	b.mu.Lock()
	q, ok := b.queues[agent]
	if ok {
		b.agents[agent].LastSeen = b.now()
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return q.wait(ctx, timeout, b.cfg.QueueGrace), nil
}

// WaitForResponse blocks until the first response to messageID is recorded
// or timeout elapses, in which case it returns ErrResponseTimeout.
func (b *Bus) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) (*models.Response, error) {
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}

	b.mu.Lock()
	if rs := b.responses[messageID]; len(rs) > 0 {
		r := rs[0]
		b.mu.Unlock()
		return &r, nil
	}
	if _, ok := b.messages[messageID]; !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	ch, ok := b.waiters[messageID]
	if !ok {
		ch = make(chan struct{})
		b.waiters[messageID] = ch
	}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrResponseTimeout, messageID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if rs := b.responses[messageID]; len(rs) > 0 {
		r := rs[0]
		return &r, nil
	}
	// woken by eviction or Close
	return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
}

// Responses returns every response recorded for messageID, in arrival order.
func (b *Bus) Responses(messageID string) []models.Response {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.responses[messageID])
}

// ── Inspection ──────────────────────────────────────────────

// Message returns a snapshot of a message still held in history.
func (b *Bus) Message(id string) (models.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return m.Snapshot(), true
}

// History returns matching messages, oldest first.
func (b *Bus) History(f HistoryFilter) []models.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.query(f)
}

// Subscribe returns a channel that receives every message sent from now on.
// Slow subscribers miss messages. Call Unsubscribe when done.
func (b *Bus) Subscribe() chan models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.subscribe()
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.unsubscribe(ch)
}

// Stats reports registry and delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Agents:           len(b.agents),
		HistorySize:      b.history.len(),
		Sent:             b.sent,
		Delivered:        b.delivered,
		FailedDeliveries: b.failed,
		Responses:        b.responded,
	}
	for name, info := range b.agents {
		if info.Active {
			st.ActiveAgents++
		}
		st.QueuedMessages += b.queues[name].len()
	}
	return st
}

// Close rejects further sends, waits for background deliveries, wakes
// every WaitForResponse caller and closes subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()

	b.mu.Lock()
	for id, ch := range b.waiters {
		delete(b.waiters, id)
		close(ch)
	}
	b.history.closeAll()
	b.mu.Unlock()

	log.Info().Msg("Message bus closed")
}
