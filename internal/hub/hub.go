package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/examgate/examgate/internal/model"
)

// Hub fans monitoring events out to live proctor subscribers. Each exam owns
// an independent channel with its own subscriber set; there is no ambient
// global registry — channels are created on first subscribe and torn down
// with the exam.
//
// The producer never blocks on a slow consumer: every subscriber holds a
// bounded queue, and when it overflows the oldest LOW-severity event for
// that subscriber alone is evicted. HIGH-severity events are never evicted;
// an overflow that cannot make room for one is reported back to the caller
// so it can escalate.
type Hub struct {
	mu     sync.RWMutex
	exams  map[uuid.UUID]*examChannel
	bufCap int
	log    zerolog.Logger

	// seqs holds the per-session delivery sequence, keyed by exam then
	// session. It lives outside the subscriber channels: events recorded
	// before any proctor subscribes must still number monotonically, so the
	// counter starts at the first event, not the first Subscribe.
	seqMu sync.Mutex
	seqs  map[uuid.UUID]map[uuid.UUID]int64
}

type examChannel struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// New creates a Hub whose subscribers buffer up to bufCap events.
func New(bufCap int, log zerolog.Logger) *Hub {
	if bufCap < 1 {
		bufCap = 1
	}
	return &Hub{
		exams:  make(map[uuid.UUID]*examChannel),
		bufCap: bufCap,
		log:    log.With().Str("component", "monitor_hub").Logger(),
		seqs:   make(map[uuid.UUID]map[uuid.UUID]int64),
	}
}

// Subscribe attaches a new observer to the exam's channel.
func (h *Hub) Subscribe(examID uuid.UUID) *Subscriber {
	h.mu.Lock()
	ch, ok := h.exams[examID]
	if !ok {
		ch = &examChannel{subs: make(map[*Subscriber]struct{})}
		h.exams[examID] = ch
	}
	h.mu.Unlock()

	sub := &Subscriber{
		hub:      h,
		examID:   examID,
		capacity: h.bufCap,
		notify:   make(chan struct{}, 1),
	}

	ch.mu.Lock()
	ch.subs[sub] = struct{}{}
	ch.mu.Unlock()

	return sub
}

// NextSeq assigns and returns the next delivery sequence for a session.
// The counter exists from the session's first event regardless of whether
// anyone is subscribed to the exam yet.
func (h *Hub) NextSeq(examID, sessionID uuid.UUID) int64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	bySession, ok := h.seqs[examID]
	if !ok {
		bySession = make(map[uuid.UUID]int64)
		h.seqs[examID] = bySession
	}
	bySession[sessionID]++
	return bySession[sessionID]
}

// Publish delivers the event to every subscriber of the exam. It returns the
// subscribers that could not accept it — only possible for HIGH severity,
// since anything else is droppable under back-pressure.
func (h *Hub) Publish(examID uuid.UUID, ev model.MonitoringEvent) []*Subscriber {
	h.mu.RLock()
	ch := h.exams[examID]
	h.mu.RUnlock()
	if ch == nil {
		return nil
	}

	ch.mu.Lock()
	subs := make([]*Subscriber, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	ch.mu.Unlock()

	var undelivered []*Subscriber
	for _, s := range subs {
		if !s.push(ev) {
			undelivered = append(undelivered, s)
		}
	}
	if len(undelivered) > 0 {
		h.log.Warn().
			Str("exam_id", examID.String()).
			Str("event_id", ev.ID.String()).
			Int("subscribers", len(undelivered)).
			Msg("High-severity event not accepted by saturated subscribers")
	}
	return undelivered
}

// Retry re-offers the event to subscribers that previously rejected it and
// returns the ones still saturated. Subscribers that closed in the meantime
// count as delivered.
func (h *Hub) Retry(subs []*Subscriber, ev model.MonitoringEvent) []*Subscriber {
	var undelivered []*Subscriber
	for _, s := range subs {
		if !s.push(ev) {
			undelivered = append(undelivered, s)
		}
	}
	return undelivered
}

// SubscriberCount returns how many observers watch the exam.
func (h *Hub) SubscriberCount(examID uuid.UUID) int {
	h.mu.RLock()
	ch := h.exams[examID]
	h.mu.RUnlock()
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// CloseExam tears down the exam's channel, closing every subscriber.
// Called when the workflow leaves its live states.
func (h *Hub) CloseExam(examID uuid.UUID) {
	h.mu.Lock()
	ch := h.exams[examID]
	delete(h.exams, examID)
	h.mu.Unlock()

	h.seqMu.Lock()
	delete(h.seqs, examID)
	h.seqMu.Unlock()

	if ch == nil {
		return
	}

	ch.mu.Lock()
	subs := make([]*Subscriber, 0, len(ch.subs))
	for s := range ch.subs {
		subs = append(subs, s)
	}
	ch.subs = make(map[*Subscriber]struct{})
	ch.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	ch := h.exams[sub.examID]
	h.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, sub)
	ch.mu.Unlock()
}

// Subscriber is one observer's consumer-paced event stream.
type Subscriber struct {
	hub      *Hub
	examID   uuid.UUID
	capacity int

	mu     sync.Mutex
	queue  []model.MonitoringEvent
	closed bool
	notify chan struct{}
}

// push enqueues the event, evicting the oldest LOW event when full.
// Returns false only when a HIGH event found no room.
func (s *Subscriber) push(ev model.MonitoringEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		// A closed subscriber is not back-pressure; nothing to deliver to.
		return true
	}

	if len(s.queue) >= s.capacity {
		if idx := s.oldestLowLocked(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		} else if ev.Severity != model.SeverityHigh {
			// Queue is all MEDIUM/HIGH: the incoming droppable event loses.
			return true
		} else {
			return false
		}
	}

	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscriber) oldestLowLocked() int {
	for i, queued := range s.queue {
		if queued.Severity == model.SeverityLow {
			return i
		}
	}
	return -1
}

// Next blocks until an event is available, the context is cancelled, or the
// subscriber is closed.
func (s *Subscriber) Next(ctx context.Context) (model.MonitoringEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.closed {
			s.mu.Unlock()
			return model.MonitoringEvent{}, false
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.MonitoringEvent{}, false
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued, unconsumed events.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close detaches the subscriber from its exam channel. Other subscribers
// and the underlying sessions are unaffected.
func (s *Subscriber) Close() {
	s.hub.remove(s)
	s.markClosed()
}

func (s *Subscriber) markClosed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
