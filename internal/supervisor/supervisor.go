// Package supervisor owns the connection slot table: one slot per
// discovered camera, at most one negotiation session per slot.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"rovercam/internal/notify"
	"rovercam/internal/registry"
	"rovercam/internal/session"
	"rovercam/internal/signaling"
	"rovercam/pkg/models"
)

// SinkProvider returns the sink a slot's media should go to. It is called
// once per slot every time the table is rebuilt.
type SinkProvider func(index int, source models.CameraSource) session.Sink

type Config struct {
	Registry *registry.Registry
	Signaler signaling.Client
	NewPeer  session.PeerFactory
	Sinks    SinkProvider
	Notifier *notify.Channel

	// AutoConnect starts a connection for every slot right after discovery.
	AutoConnect bool

	// OnTransition observes every slot state change. It runs with the
	// supervisor locked and must not call back into it.
	OnTransition func(Transition)

	LoggerFactory logging.LoggerFactory
}

type Supervisor struct {
	registry      *registry.Registry
	signaler      signaling.Client
	newPeer       session.PeerFactory
	sinks         SinkProvider
	notifier      *notify.Channel
	autoConnect   bool
	onTransition  func(Transition)
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	sessionsActive metric.Int64UpDownCounter
	negotiations   metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	slots      []*slot
	generation uint64
	closed     bool
}

func New(cfg Config) *Supervisor {
	loggerFactory := cfg.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewChannel(notify.DefaultTTL)
	}

	meter := otel.Meter("supervisor")
	sessCounter, _ := meter.Int64UpDownCounter("rovercam.sessions_active", metric.WithDescription("Number of live camera negotiation sessions"))
	negCounter, _ := meter.Int64Counter("rovercam.negotiations_total", metric.WithDescription("Completed offer/answer handshakes by result"))

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry:       cfg.Registry,
		signaler:       cfg.Signaler,
		newPeer:        cfg.NewPeer,
		sinks:          cfg.Sinks,
		notifier:       notifier,
		autoConnect:    cfg.AutoConnect,
		onTransition:   cfg.OnTransition,
		loggerFactory:  loggerFactory,
		log:            loggerFactory.NewLogger("supervisor"),
		sessionsActive: sessCounter,
		negotiations:   negCounter,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (s *Supervisor) Notifier() *notify.Channel { return s.notifier }

// Refresh runs discovery and rebuilds the slot table. Live and in-flight
// sessions of the old table are torn down. Returns the new slot count.
func (s *Supervisor) Refresh(ctx context.Context) int {
	sources := s.registry.Refresh(ctx)
	s.rebuild(sources)

	if len(sources) == 0 {
		s.log.Warn("no camera sources available")
		return 0
	}
	if s.autoConnect {
		for i := range sources {
			s.RequestConnect(i)
		}
	}
	return len(sources)
}

func (s *Supervisor) rebuild(sources []models.CameraSource) {
	slots := make([]*slot, len(sources))
	for i, src := range sources {
		slots[i] = &slot{source: src, state: Disconnected}
		if s.sinks != nil {
			slots[i].sink = s.sinks(i, src)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	stale := s.releaseAllLocked()
	s.slots = slots
	s.mu.Unlock()

	for _, sess := range stale {
		_ = sess.Close()
	}
}

// RequestConnect starts a negotiation for the slot at index unless one is
// already live. Unknown indexes are ignored. It does not wait for the
// handshake.
func (s *Supervisor) RequestConnect(index int) {
	s.mu.Lock()
	if s.closed || index < 0 || index >= len(s.slots) {
		s.mu.Unlock()
		s.log.Debugf("ignoring connect request for unknown slot %d", index)
		return
	}

	sl := s.slots[index]
	if sl.state != Disconnected {
		msg := fmt.Sprintf("%s is already %s", sl.source.DisplayName(), sl.state)
		s.mu.Unlock()
		s.notifier.Publish(msg)
		return
	}

	gen := s.generation
	ctx, cancel := context.WithCancel(s.ctx)
	sess := session.New(session.Config{
		Source:        sl.source,
		NewPeer:       s.newPeer,
		Signaler:      s.signaler,
		Sink:          sl.sink,
		OnAttach:      func(ss *session.Session) { s.handleAttached(index, gen, ss) },
		OnClose:       func(ss *session.Session) { s.handleRemoteClose(index, gen, ss) },
		LoggerFactory: s.loggerFactory,
	})
	sl.session = sess
	sl.cancel = cancel
	s.setStateLocked(index, sl, Connecting)
	s.sessionsActive.Add(ctx, 1)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Infof("connecting to %s (session %s)", sl.source.DisplayName(), sess.ID)
	go s.negotiate(ctx, index, gen, sess)
}

// Disconnect tears down the slot's session, if any, and reports whether
// there was one.
func (s *Supervisor) Disconnect(index int) bool {
	s.mu.Lock()
	if index < 0 || index >= len(s.slots) || s.slots[index].session == nil {
		s.mu.Unlock()
		return false
	}
	sl := s.slots[index]
	s.setStateLocked(index, sl, Disconnected)
	sess := s.releaseLocked(sl)
	name := sl.source.DisplayName()
	s.mu.Unlock()

	_ = sess.Close()
	s.notifier.Publish(fmt.Sprintf("Disconnected from %s", name))
	return true
}

func (s *Supervisor) negotiate(ctx context.Context, index int, gen uint64, sess *session.Session) {
	defer s.wg.Done()

	err := sess.Negotiate(ctx)
	if err == nil {
		s.negotiations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
		return
	}
	s.negotiations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "failed")))

	s.mu.Lock()
	sl := s.ownedLocked(index, gen, sess)
	if sl == nil {
		// The slot was disconnected or the table rebuilt while we were
		// negotiating; whoever did that owns the cleanup.
		s.mu.Unlock()
		_ = sess.Close()
		return
	}
	s.setStateLocked(index, sl, Disconnected)
	s.releaseLocked(sl)
	name := sl.source.DisplayName()
	s.mu.Unlock()

	_ = sess.Close()
	s.log.Warnf("connection to %s failed: %v", name, err)
	s.notifier.Publish(fmt.Sprintf("Connection to %s failed", name))
}

func (s *Supervisor) handleAttached(index int, gen uint64, sess *session.Session) {
	s.mu.Lock()
	sl := s.ownedLocked(index, gen, sess)
	if sl == nil || sl.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(index, sl, Connected)
	name := sl.source.DisplayName()
	s.mu.Unlock()

	s.log.Infof("%s connected (session %s)", name, sess.ID)
	s.notifier.Publish(fmt.Sprintf("Connected to %s via WebRTC", name))
}

func (s *Supervisor) handleRemoteClose(index int, gen uint64, sess *session.Session) {
	s.mu.Lock()
	sl := s.ownedLocked(index, gen, sess)
	if sl == nil {
		s.mu.Unlock()
		return
	}
	was := sl.state
	s.setStateLocked(index, sl, Disconnected)
	s.releaseLocked(sl)
	name := sl.source.DisplayName()
	s.mu.Unlock()

	_ = sess.Close()
	if was == Connected {
		s.notifier.Publish(fmt.Sprintf("%s disconnected", name))
	} else {
		s.notifier.Publish(fmt.Sprintf("Connection to %s failed", name))
	}
}

// Slots returns a snapshot of the table for display.
func (s *Supervisor) Slots() []SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]SlotView, len(s.slots))
	for i, sl := range s.slots {
		views[i] = SlotView{
			Index:           i,
			ID:              sl.source.ID,
			Label:           sl.source.DisplayName(),
			State:           sl.state,
			Connectable:     sl.state == Disconnected,
			RemoteConnected: sl.source.RemoteConnected,
		}
		if sl.session != nil {
			views[i].SessionID = sl.session.ID
		}
	}
	return views
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// NoSources reports whether the display should show the "no cameras"
// placeholder instead of tiles.
func (s *Supervisor) NoSources() bool { return s.Len() == 0 }

// State returns the state of the slot at index.
func (s *Supervisor) State(index int) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return Disconnected, false
	}
	return s.slots[index].state, true
}

// Sink returns the sink bound to the slot at index.
func (s *Supervisor) Sink(index int) (session.Sink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) || s.slots[index].sink == nil {
		return nil, false
	}
	return s.slots[index].sink, true
}

// Close tears down every session and waits for in-flight handshakes.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stale := s.releaseAllLocked()
	s.mu.Unlock()

	for _, sess := range stale {
		_ = sess.Close()
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// ownedLocked returns the slot only if sess is still its live session in
// the current table.
func (s *Supervisor) ownedLocked(index int, gen uint64, sess *session.Session) *slot {
	if gen != s.generation || index < 0 || index >= len(s.slots) {
		return nil
	}
	sl := s.slots[index]
	if sl.session != sess {
		return nil
	}
	return sl
}

func (s *Supervisor) releaseLocked(sl *slot) *session.Session {
	sess := sl.release()
	if sess != nil {
		s.sessionsActive.Add(context.Background(), -1)
	}
	return sess
}

func (s *Supervisor) releaseAllLocked() []*session.Session {
	s.generation++
	var stale []*session.Session
	for _, sl := range s.slots {
		if sess := s.releaseLocked(sl); sess != nil {
			stale = append(stale, sess)
		}
		sl.state = Disconnected
	}
	return stale
}

func (s *Supervisor) setStateLocked(index int, sl *slot, to State) {
	from := sl.state
	sl.state = to
	if s.onTransition != nil && from != to {
		s.onTransition(Transition{Index: index, Source: sl.source, From: from, To: to})
	}
}
