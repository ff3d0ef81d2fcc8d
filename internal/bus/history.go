package bus

import (
	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// HistoryFilter selects messages from the bus history. Zero fields match
// everything; Limit keeps the newest N matches.
type HistoryFilter struct {
	CampaignID string
	Type       models.MessageType
	Limit      int
}

func (f HistoryFilter) match(m *models.Message) bool {
	if f.CampaignID != "" && m.CampaignID != f.CampaignID {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	return true
}

// history is a ring buffer of the last N sent messages that also fans new
// messages out to live subscribers. It is guarded by Bus.mu: the bus
// mutates delivery bookkeeping on the stored messages under the same lock.
type history struct {
	entries     []*models.Message
	maxEntries  int
	subscribers map[chan models.Message]struct{}
}

func newHistory(maxEntries int) *history {
	return &history{
		entries:     make([]*models.Message, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan models.Message]struct{}),
	}
}

// add appends m and returns the message it pushed out, if any.
func (h *history) add(m *models.Message) (evicted *models.Message) {
	if len(h.entries) >= h.maxEntries {
		evicted = h.entries[0]
		h.entries[0] = nil
		h.entries = h.entries[1:]
	}
	h.entries = append(h.entries, m)

	for ch := range h.subscribers {
		select {
		case ch <- m.Snapshot():
		default:
			// slow subscriber misses this one
		}
	}
	return evicted
}

// query returns snapshots of matching messages, oldest first.
func (h *history) query(f HistoryFilter) []models.Message {
	var out []models.Message
	for _, m := range h.entries {
		if f.match(m) {
			out = append(out, m.Snapshot())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func (h *history) len() int { return len(h.entries) }

func (h *history) subscribe() chan models.Message {
	ch := make(chan models.Message, 64)
	h.subscribers[ch] = struct{}{}
	return ch
}

func (h *history) unsubscribe(ch chan models.Message) {
	if _, ok := h.subscribers[ch]; !ok {
		return
	}
	delete(h.subscribers, ch)
	close(ch)
}

func (h *history) closeAll() {
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}
