package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// Participant is an agent's handle on the bus. Construction has no side
// effects: handlers are collected with Handle and only wired up by Start,
// so the agent is fully registered once Start returns.
type Participant struct {
	bus      *Bus
	name     string
	metadata map[string]string

	mu       sync.Mutex
	handlers map[models.MessageType]Handler
	started  bool
}

// NewParticipant prepares an agent named name. Nothing touches the bus
// until Start.
func NewParticipant(b *Bus, name string, metadata map[string]string) *Participant {
	return &Participant{
		bus:      b,
		name:     name,
		metadata: metadata,
		handlers: make(map[models.MessageType]Handler),
	}
}

// Name returns the agent name.
func (p *Participant) Name() string { return p.name }

// Handle sets the handler for t. After Start it takes effect immediately.
func (p *Participant) Handle(t models.MessageType, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.Valid() || h == nil {
		return fmt.Errorf("%w: handler for %q", ErrInvalidMessage, t)
	}
	p.handlers[t] = h
	if p.started {
		return p.bus.RegisterHandler(p.name, t, h)
	}
	return nil
}

// Start registers the agent and its handlers.
func (p *Participant) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	for t, h := range p.handlers {
		if err := p.bus.RegisterHandler(p.name, t, h); err != nil {
			return err
		}
	}
	if err := p.bus.RegisterAgent(p.name, p.metadata); err != nil {
		return err
	}
	p.started = true
	return nil
}

// Stop marks the agent inactive and removes its handlers.
func (p *Participant) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	for t := range p.handlers {
		p.bus.RemoveHandler(p.name, t)
	}
	return p.bus.UnregisterAgent(p.name)
}

// Send builds a message from this agent and sends it with mode.
func (p *Participant) Send(ctx context.Context, recipients []string, campaignID string, payload models.Payload, mode models.DeliveryMode) (*models.Message, bool, error) {
	msg := models.NewMessage(p.name, recipients, campaignID, payload)
	msg.DeliveryMode = mode
	ok, err := p.bus.Send(ctx, msg)
	return msg, ok, err
}

// Request sends payload to recipient expecting a response and waits for
// it up to timeout.
func (p *Participant) Request(ctx context.Context, recipient, campaignID string, payload models.Payload, timeout time.Duration) (*models.Response, error) {
	if timeout < 0 {
		return nil, ErrInvalidTimeout
	}
	msg := models.NewMessage(p.name, []string{recipient}, campaignID, payload)
	msg.RequiresResponse = true
	msg.ResponseTimeout = timeout
	ok, err := p.bus.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, recipient)
	}
	return p.bus.WaitForResponse(ctx, msg.ID, timeout)
}

// Poll drains this agent's pull queue.
func (p *Participant) Poll(ctx context.Context, timeout time.Duration) ([]models.Message, error) {
	return p.bus.GetMessages(ctx, p.name, timeout)
}
