package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 256
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers events to per-batch subscribers with a replay backlog,
// deduplication, and bounded channels. Events published before anyone
// subscribes, or while subscribers come and go, stay in the backlog so a
// late subscriber still sees the batch from the start.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	sequences    map[string]int64
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	clock        func() time.Time
	logger       Logger
}

// Subscription is an active topic subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with default limits.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		sequences:    map[string]int64{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithLogger injects a logger for drop messages.
func WithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(capacity int) RouterOption {
	return func(r *Router) {
		if capacity > 0 {
			r.channelSize = capacity
		}
	}
}

// WithBacklogLimit overrides how many events a topic keeps for replay.
func WithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// WithDedupeWindow controls how many recent event ids are retained.
func WithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// WithClock overrides the publish timestamp source.
func WithClock(clock func() time.Time) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// Subscribe registers for a batch topic and replays its backlog first.
func (r *Router) Subscribe(batchID string) Subscription {
	topic := normalizeTopic(batchID)
	sub := newSubscriber(r.channelSize, r.logger)
	r.mu.Lock()
	if r.subscribers[topic] == nil {
		r.subscribers[topic] = map[*subscriber]struct{}{}
	}
	r.subscribers[topic][sub] = struct{}{}
	for _, event := range r.backlog[topic] {
		sub.deliver(event)
	}
	r.mu.Unlock()
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(topic, sub)
		},
	}
}

// Publish stamps, sequences and routes the event.
func (r *Router) Publish(event Event) {
	event.Normalize()
	if event.Validate() != nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if r.isDuplicate(event.EventID) {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock().UTC()
	}
	topic := normalizeTopic(event.BatchID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequences[topic]++
	event.Sequence = r.sequences[topic]
	r.bufferEvent(topic, event)
	for sub := range r.subscribers[topic] {
		sub.deliver(event)
	}
}

// Forget drops a topic's backlog and sequence counter.
func (r *Router) Forget(batchID string) {
	topic := normalizeTopic(batchID)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.backlog, topic)
	delete(r.sequences, topic)
}

func (r *Router) removeSubscriber(topic string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, topic)
		}
	}
	sub.close()
}

// bufferEvent must be called with r.mu held.
func (r *Router) bufferEvent(topic string, event Event) {
	queue := r.backlog[topic]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		if r.logger != nil {
			r.logger.Printf("events: backlog drop for %s (limit %d)", topic, r.backlogLimit)
		}
	}
	r.backlog[topic] = append(queue, event)
}

func (r *Router) isDuplicate(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[eventID]; ok {
		return true
	}
	r.recentIDs[eventID] = struct{}{}
	r.recentOrder = append(r.recentOrder, eventID)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

func normalizeTopic(batchID string) string {
	return strings.TrimSpace(strings.ToLower(batchID))
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest Event
	select {
	case oldest = <-s.ch:
	default:
		s.ch <- event
		return
	}
	if shouldDropOldest(oldest, event) {
		s.logDrop(oldest, "queue overflow")
		s.ch <- event
	} else {
		s.ch <- oldest
		s.logDrop(event, "queue overflow:incoming")
	}
}

func (s *subscriber) logDrop(event Event, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("events: dropped %s (%s)", event.Type, reason)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming Event) bool {
	oldestTerminal := isTerminal(oldest.Type)
	incomingTerminal := isTerminal(incoming.Type)
	switch {
	case oldestTerminal && !incomingTerminal:
		return false
	case !oldestTerminal && incomingTerminal:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest.Type)
	incomingPreferred := isPreferredDrop(incoming.Type)
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}
