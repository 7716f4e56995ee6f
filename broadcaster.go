package dazee

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// EventSink receives every sequenced event for persistence (the events table).
// Append failures are logged and do not block emission.
type EventSink interface {
	AppendEvent(ctx context.Context, ev Event) error
}

const (
	defaultDeltaWindow      = 150 * time.Millisecond
	defaultSubscriberBuffer = 256
	defaultRetention        = 4096
	emitQueueSize           = 1024
)

// Broadcaster serialises and fans out session events to transport
// subscribers. Each session gets a dedicated pump goroutine that assigns
// sequence numbers, coalesces content deltas within a time window, persists
// to the sink, and delivers to subscribers. Emission order equals enqueue
// order; a slow subscriber is dropped, never the session.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*sessionStream

	sink      EventSink
	logger    *slog.Logger
	window    time.Duration
	bufSize   int
	retention int
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithEventSink persists every emitted event through s.
func WithEventSink(s EventSink) BroadcasterOption {
	return func(b *Broadcaster) { b.sink = s }
}

// WithBroadcastLogger sets the structured logger (default: no output).
func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// WithDeltaWindow sets the content-delta coalescing window (default 150ms).
// Zero disables coalescing.
func WithDeltaWindow(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) { b.window = d }
}

// WithSubscriberBuffer sets the per-subscriber channel buffer (default 256).
// A subscriber that falls this far behind is dropped.
func WithSubscriberBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) { b.bufSize = n }
}

// WithRetention sets how many events are kept in memory per session for
// replay (default 4096). Older events remain available from the sink.
func WithRetention(n int) BroadcasterOption {
	return func(b *Broadcaster) { b.retention = n }
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		sessions:  make(map[string]*sessionStream),
		window:    defaultDeltaWindow,
		bufSize:   defaultSubscriberBuffer,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Emit assigns envelope fields to ev and enqueues it for the session.
// Callable from any goroutine; events from one goroutine are delivered in
// emission order. Emitting to a closed session is a no-op.
func (b *Broadcaster) Emit(sessionID string, ev Event) {
	ev.SessionID = sessionID
	b.stream(sessionID).emit(ev)
}

// Subscribe returns a channel of events with Seq > afterSeq. Events still in
// the retained window are replayed synchronously into the channel before live
// delivery starts; the caller detects a retention gap when the first received
// Seq exceeds afterSeq+1 (the transport then resyncs from the sink). The
// returned cancel removes the subscription; the channel is closed on cancel,
// session close, or drop.
func (b *Broadcaster) Subscribe(sessionID string, afterSeq int64) (<-chan Event, func()) {
	return b.stream(sessionID).subscribe(afterSeq)
}

// CloseSession flushes any buffered delta, closes all subscriber channels and
// stops the session's pump. Idempotent. The retained log stays available for
// replay until Purge.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	s := b.sessions[sessionID]
	b.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Purge forgets a session's retained log. Call after the terminal event has
// been delivered and persisted.
func (b *Broadcaster) Purge(sessionID string) {
	b.mu.Lock()
	s := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Events returns a copy of the retained event log for a session.
func (b *Broadcaster) Events(sessionID string) []Event {
	return b.stream(sessionID).snapshot()
}

// LastSeq returns the highest sequence number assigned for the session, or 0
// when the session is unknown or already purged.
func (b *Broadcaster) LastSeq(sessionID string) int64 {
	b.mu.Lock()
	s := b.sessions[sessionID]
	b.mu.Unlock()
	if s == nil {
		return 0
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.seq
}

func (b *Broadcaster) stream(sessionID string) *sessionStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = newSessionStream(sessionID, b)
		b.sessions[sessionID] = s
		go s.pump(b)
	}
	return s
}

// --- per-session stream ---

type subscriber struct {
	id int64
	ch chan Event
}

type sessionStream struct {
	id string
	in chan Event

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	// subMu guards seq, log, firstSeq and subs. The pump writes under it;
	// subscribe/cancel read-modify under it.
	subMu    sync.Mutex
	seq      int64
	log      []Event
	firstSeq int64
	subs     map[int64]*subscriber
	nextSub  int64
	closed   bool

	retention int
	bufSize   int
}

func newSessionStream(id string, b *Broadcaster) *sessionStream {
	return &sessionStream{
		id:        id,
		in:        make(chan Event, emitQueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[int64]*subscriber),
		firstSeq:  1,
		retention: b.retention,
		bufSize:   b.bufSize,
	}
}

func (s *sessionStream) emit(ev Event) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.in <- ev:
	case <-s.quit:
	}
}

func (s *sessionStream) close() {
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *sessionStream) subscribe(afterSeq int64) (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	var replay []Event
	for _, ev := range s.log {
		if ev.Seq > afterSeq {
			replay = append(replay, ev)
		}
	}
	ch := make(chan Event, len(replay)+s.bufSize)
	for _, ev := range replay {
		ch <- ev
	}
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscriber{id: id, ch: ch}
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

func (s *sessionStream) snapshot() []Event {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]Event, len(s.log))
	copy(out, s.log)
	return out
}

// pendingDelta is an open coalescing buffer for one (message, index) key.
type pendingDelta struct {
	messageID string
	index     int
	first     Event // envelope of the first delta in the window
	delta     []byte
}

// pump is the session's single serialisation point: it assigns sequence
// numbers, coalesces content deltas, persists and fans out. Runs until close.
func (s *sessionStream) pump(b *Broadcaster) {
	defer close(s.done)

	var pend *pendingDelta
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if pend == nil {
			return
		}
		ev := pend.first
		ev.Data = mustJSON(ContentDeltaData{Index: pend.index, Delta: string(pend.delta)})
		s.deliver(b, ev)
		pend = nil
	}

	for {
		select {
		case ev := <-s.in:
			if d, ok := asContentDelta(ev); ok && b.window > 0 {
				if pend != nil && pend.messageID == ev.MessageID && pend.index == d.Index {
					pend.delta = append(pend.delta, d.Delta...)
					continue
				}
				// A delta for another key closes the previous window;
				// coalescing never reorders.
				flush()
				pend = &pendingDelta{messageID: ev.MessageID, index: d.Index, first: ev, delta: []byte(d.Delta)}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.window)
				continue
			}
			// Any non-delta event flushes the open window first so the
			// stream order is preserved.
			flush()
			s.deliver(b, ev)
		case <-timer.C:
			flush()
		case <-s.quit:
			flush()
			// Drain events enqueued before close; deltas pass through
			// unmerged at this point.
			for {
				select {
				case ev := <-s.in:
					s.deliver(b, ev)
				default:
					s.dropAll()
					return
				}
			}
		}
	}
}

// deliver assigns the envelope, appends to the retained log, persists to the
// sink and fans out. A subscriber whose buffer is full is dropped.
func (s *sessionStream) deliver(b *Broadcaster, ev Event) {
	s.subMu.Lock()
	s.seq++
	ev.Seq = s.seq
	ev.EventUUID = NewID()
	ev.Timestamp = NowUnixMilli()

	s.log = append(s.log, ev)
	if len(s.log) > s.retention {
		trim := len(s.log) - s.retention
		s.log = s.log[trim:]
		s.firstSeq += int64(trim)
	}

	var dropped []*subscriber
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
	s.subMu.Unlock()

	for _, sub := range dropped {
		b.logger.Warn("dropped slow subscriber", "session_id", s.id, "subscriber", sub.id, "seq", ev.Seq)
	}
	if b.sink != nil {
		if err := b.sink.AppendEvent(context.Background(), ev); err != nil {
			b.logger.Warn("event sink append failed", "session_id", s.id, "seq", ev.Seq, "error", err)
		}
	}
}

func (s *sessionStream) dropAll() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// asContentDelta parses the payload of a content_delta event. Returns false
// for anything else, including malformed deltas (those pass through unmerged).
func asContentDelta(ev Event) (ContentDeltaData, bool) {
	if ev.Type != EventContentDelta {
		return ContentDeltaData{}, false
	}
	var d ContentDeltaData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return ContentDeltaData{}, false
	}
	return d, true
}
