package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/staged-messaging/internal/countdown"
	"github.com/LeventeLantos/staged-messaging/internal/metrics"
	"github.com/LeventeLantos/staged-messaging/internal/model"
	"github.com/LeventeLantos/staged-messaging/internal/notify"
)

type Persister interface {
	Save(ctx context.Context, key string, msgs []model.StagedMessage) bool
	Load(ctx context.Context, key string) []model.StagedMessage
	Remove(ctx context.Context, key string) bool
}

type Deliverer interface {
	Deliver(ctx context.Context, m model.StagedMessage) (remoteMessageID string, err error)
}

type Deps struct {
	Store    Persister
	Sender   Deliverer
	Notifier notify.Notifier
	Clock    countdown.Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

type Options struct {
	InitialCountdown int // seconds
	TickInterval     time.Duration
	CancelGrace      time.Duration
	SentGrace        time.Duration
	MinContentLength int
	StoreKey         string
}

func DefaultOptions() Options {
	return Options{
		InitialCountdown: 60,
		TickInterval:     time.Second,
		CancelGrace:      500 * time.Millisecond,
		SentGrace:        time.Second,
		MinContentLength: 1,
		StoreKey:         "staging:queue",
	}
}

type EnqueueRequest struct {
	Content        string
	PatientID      string
	PatientName    string
	ConversationID string
	AIGenerated    *bool // nil means true
}

type entry struct {
	msg     model.StagedMessage
	timer   *countdown.Timer
	evict   countdown.Stopper
	sendSeq uint64

	// delivering is set while this manager's own Deliver call for the entry
	// is outstanding.
	delivering bool
}

// Manager owns the staged collection. All state is confined to the
// goroutine running Run; public methods hand closures to it and wait.
type Manager struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	events  chan func()
	ready   chan struct{}
	done    chan struct{}
	started atomic.Bool

	baseCtx    context.Context
	sendCtx    context.Context
	sendCancel context.CancelFunc
	sends      sync.WaitGroup

	entries map[string]*entry
	order   []string
}

func New(deps Deps, opts Options) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("sender must not be nil")
	}
	if opts.InitialCountdown <= 0 {
		return nil, errors.New("initial countdown must be > 0")
	}
	if opts.TickInterval <= 0 {
		return nil, errors.New("tick interval must be > 0")
	}
	if opts.CancelGrace < 0 || opts.SentGrace < 0 {
		return nil, errors.New("eviction grace must be >= 0")
	}
	if opts.MinContentLength < 1 {
		opts.MinContentLength = 1
	}
	if opts.StoreKey == "" {
		opts.StoreKey = DefaultOptions().StoreKey
	}
	if deps.Clock == nil {
		deps.Clock = countdown.RealClock{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi{}
	}

	return &Manager{
		deps:    deps,
		opts:    opts,
		log:     deps.Logger.With().Str("component", "queue").Logger(),
		events:  make(chan func()),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		entries: make(map[string]*entry),
	}, nil
}

// Ready is closed once the persisted queue has been restored and the loop
// accepts operations.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Run restores the persisted queue and processes events until ctx ends.
// It may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("queue: Run called more than once")
	}

	m.baseCtx = context.WithoutCancel(ctx)
	m.sendCtx, m.sendCancel = context.WithCancel(m.baseCtx)

	m.restore()
	close(m.ready)
	m.log.Info().Int("restored", len(m.entries)).Msg("queue started")

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case fn := <-m.events:
			m.safe(fn)
		}
	}
}

func (m *Manager) safe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("queue event panic recovered")
		}
	}()
	fn()
}

func (m *Manager) shutdown() {
	close(m.done)

	for _, e := range m.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.evict != nil {
			e.evict.Stop()
		}
	}
	m.persist()

	m.sendCancel()
	m.sends.Wait()
	m.log.Info().Int("entries", len(m.entries)).Msg("queue stopped")
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case m.events <- wrapped:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func call[T any](ctx context.Context, m *Manager, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if derr := m.do(ctx, func() { out, err = fn() }); derr != nil {
		var zero T
		return zero, derr
	}
	return out, err
}

func exec(ctx context.Context, m *Manager, fn func() error) error {
	_, err := call(ctx, m, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// post queues fn without waiting. Posts after shutdown are dropped.
func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.done:
		return false
	}
}

// =============================================================================
// Public operations
// =============================================================================

func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	return call(ctx, m, func() (string, error) { return m.enqueue(req) })
}

func (m *Manager) Cancel(ctx context.Context, id string) error {
	return exec(ctx, m, func() error { return m.cancel(id) })
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	return exec(ctx, m, func() error { return m.pause(id) })
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	return exec(ctx, m, func() error { return m.resume(id) })
}

// SendNow sends a pending or paused message immediately through the same
// path a natural expiry takes.
func (m *Manager) SendNow(ctx context.Context, id string) error {
	return exec(ctx, m, func() error { return m.sendNow(id) })
}

// Retry re-sends a message that failed. Only the user triggers this.
func (m *Manager) Retry(ctx context.Context, id string) error {
	return exec(ctx, m, func() error { return m.retry(id) })
}

// MarkSending, MarkSent and MarkError drive a send performed outside the
// manager. A message marked sending stays there until MarkSent or MarkError.
// While the manager's own delivery is outstanding, MarkSent and MarkError
// fail with ErrInFlight.
func (m *Manager) MarkSending(ctx context.Context, id string) error {
	return exec(ctx, m, func() error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		if err := model.ValidateTransition(e.msg.Status, model.Sending); err != nil {
			return err
		}
		m.markSending(e)
		m.persist()
		return nil
	})
}

func (m *Manager) MarkSent(ctx context.Context, id, remoteMessageID string) error {
	return exec(ctx, m, func() error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		if e.delivering {
			return fmt.Errorf("%w: %s", ErrInFlight, id)
		}
		return m.markSent(e, remoteMessageID)
	})
}

func (m *Manager) MarkError(ctx context.Context, id, reason string) error {
	return exec(ctx, m, func() error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		if e.delivering {
			return fmt.Errorf("%w: %s", ErrInFlight, id)
		}
		return m.markError(e, reason)
	})
}

// UpdateCountdown sets the remaining seconds of a pending or paused message,
// clamped to [0, InitialCountdown]. Status is left alone; a pending message
// set to 0 expires.
func (m *Manager) UpdateCountdown(ctx context.Context, id string, remaining int) error {
	return exec(ctx, m, func() error { return m.setCountdown(id, remaining) })
}

func (m *Manager) UpdateContent(ctx context.Context, id, content string) error {
	return exec(ctx, m, func() error { return m.updateContent(id, content) })
}

func (m *Manager) Get(ctx context.Context, id string) (model.StagedMessage, error) {
	return call(ctx, m, func() (model.StagedMessage, error) {
		e, err := m.lookup(id)
		if err != nil {
			return model.StagedMessage{}, err
		}
		return e.msg, nil
	})
}

// Snapshot returns the collection in enqueue order.
func (m *Manager) Snapshot(ctx context.Context) ([]model.StagedMessage, error) {
	return call(ctx, m, func() ([]model.StagedMessage, error) { return m.collection(), nil })
}

// Checkpoint persists the current countdowns.
func (m *Manager) Checkpoint(ctx context.Context) error {
	return exec(ctx, m, func() error {
		if !m.persist() {
			return errors.New("checkpoint: persist failed")
		}
		return nil
	})
}

// =============================================================================
// Loop-side handlers
// =============================================================================

func (m *Manager) enqueue(req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return "", fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	if err := m.checkContent(req.Content); err != nil {
		return "", err
	}

	id, err := model.NewID()
	if err != nil {
		return "", err
	}
	ai := true
	if req.AIGenerated != nil {
		ai = *req.AIGenerated
	}
	now := m.deps.Clock.Now().UTC()

	e := &entry{msg: model.StagedMessage{
		ID:             id,
		Content:        req.Content,
		PatientID:      req.PatientID,
		PatientName:    req.PatientName,
		ConversationID: req.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Countdown:      m.opts.InitialCountdown,
		Status:         model.Pending,
		AIGenerated:    ai,
	}}
	m.entries[id] = e
	m.order = append(m.order, id)
	e.timer = m.newTimer(id, m.opts.InitialCountdown, true)

	m.persist()
	m.deps.Metrics.IncEnqueued()
	m.log.Info().Str("message_id", id).Str("patient_id", req.PatientID).Msg("message staged")
	m.notify(notify.Notice{
		Title:     "Message staged",
		Message:   fmt.Sprintf("Message to %s will be sent in %ds", displayName(e.msg), m.opts.InitialCountdown),
		Severity:  notify.Info,
		MessageID: id,
	})
	return id, nil
}

func (m *Manager) cancel(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.msg.Status == model.Sending {
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if err := model.ValidateTransition(e.msg.Status, model.Cancelled); err != nil {
		return err
	}

	if e.timer != nil {
		e.timer.Cancel()
	}
	e.msg.Countdown = 0
	m.setStatus(e, model.Cancelled)
	m.scheduleEvict(e, m.opts.CancelGrace)
	m.persist()

	m.notify(notify.Notice{
		Title:     "Message cancelled",
		Message:   fmt.Sprintf("Message to %s will not be sent", displayName(e.msg)),
		Severity:  notify.Info,
		MessageID: id,
	})
	return nil
}

func (m *Manager) pause(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	switch e.msg.Status {
	case model.Paused:
		return nil
	case model.Sending:
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if err := model.ValidateTransition(e.msg.Status, model.Paused); err != nil {
		return err
	}

	m.ensureTimer(e, false)
	e.timer.Pause()
	e.msg.Countdown = e.timer.Remaining()
	m.setStatus(e, model.Paused)
	m.persist()
	return nil
}

func (m *Manager) resume(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	switch e.msg.Status {
	case model.Pending:
		return nil
	case model.Sending:
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if err := model.ValidateTransition(e.msg.Status, model.Pending); err != nil {
		return err
	}

	m.setStatus(e, model.Pending)
	m.persist()
	m.ensureTimer(e, false)
	// A countdown already at 0 expires here and starts the send.
	e.timer.Resume()
	return nil
}

func (m *Manager) sendNow(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	switch e.msg.Status {
	case model.Pending, model.Paused:
	case model.Sending:
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	default:
		return fmt.Errorf("%w: cannot send %q message now", ErrInvalidTransition, e.msg.Status)
	}

	m.ensureTimer(e, false)
	e.timer.SendNow()
	return nil
}

func (m *Manager) retry(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.msg.Status == model.Sending {
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if e.msg.Status != model.Error {
		return fmt.Errorf("%w: only failed messages can be retried, got %q", ErrInvalidTransition, e.msg.Status)
	}
	m.startSend(e)
	return nil
}

func (m *Manager) setCountdown(id string, remaining int) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.msg.Status != model.Pending && e.msg.Status != model.Paused {
		return fmt.Errorf("%w: countdown of a %q message is fixed", ErrInvalidTransition, e.msg.Status)
	}

	remaining = clamp(remaining, 0, m.opts.InitialCountdown)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.msg.Countdown = remaining
	e.msg.UpdatedAt = m.deps.Clock.Now().UTC()
	m.persist()

	e.timer = m.newTimer(id, remaining, e.msg.Status == model.Pending)
	return nil
}

func (m *Manager) updateContent(id, content string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	if e.msg.Status == model.Sending {
		return fmt.Errorf("%w: %s", ErrInFlight, id)
	}
	if !e.msg.Status.Editable() {
		return fmt.Errorf("%w: cannot edit a %q message", ErrInvalidTransition, e.msg.Status)
	}
	if err := m.checkContent(content); err != nil {
		m.notify(notify.Notice{
			Title:     "Edit rejected",
			Message:   fmt.Sprintf("Message must be at least %d characters; previous content kept", m.opts.MinContentLength),
			Severity:  notify.Warning,
			MessageID: id,
		})
		return err
	}

	e.msg.Content = content
	e.msg.UpdatedAt = m.deps.Clock.Now().UTC()
	m.persist()
	return nil
}

// =============================================================================
// Timer and send plumbing
// =============================================================================

func (m *Manager) newTimer(id string, remaining int, start bool) *countdown.Timer {
	return countdown.New(m.opts.InitialCountdown, m.opts.TickInterval, m.deps.Clock,
		func(f func()) { m.post(f) },
		countdown.WithRemaining(remaining),
		countdown.WithAutoStart(start),
		countdown.OnTick(func(n int) { m.tick(id, n) }),
		countdown.OnExpire(func() { m.expire(id) }),
	)
}

// ensureTimer gives pending and paused entries restored without a timer one.
func (m *Manager) ensureTimer(e *entry, start bool) {
	if e.timer == nil {
		e.timer = m.newTimer(e.msg.ID, e.msg.Countdown, start)
	}
}

func (m *Manager) tick(id string, remaining int) {
	e, ok := m.entries[id]
	if !ok || e.msg.Status != model.Pending {
		return
	}
	e.msg.Countdown = clamp(remaining, 0, m.opts.InitialCountdown)
}

func (m *Manager) expire(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.msg.Status != model.Pending && e.msg.Status != model.Paused {
		return
	}
	m.startSend(e)
}

// startSend runs the expiry sequence: mark sending, deliver off-loop, then
// mark sent or error when the result is posted back.
func (m *Manager) startSend(e *entry) {
	seq := m.markSending(e)
	e.delivering = true
	m.persist()

	msg := e.msg
	m.log.Info().Str("message_id", msg.ID).Msg("sending message")

	m.sends.Add(1)
	go func() {
		defer m.sends.Done()
		remoteID, err := m.deliver(msg)
		m.post(func() { m.completeSend(msg.ID, seq, remoteID, err) })
	}()
}

func (m *Manager) deliver(msg model.StagedMessage) (remoteID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return m.deps.Sender.Deliver(m.sendCtx, msg)
}

func (m *Manager) completeSend(id string, seq uint64, remoteID string, sendErr error) {
	e, ok := m.entries[id]
	if ok && e.sendSeq == seq {
		e.delivering = false
	}
	if !ok || e.sendSeq != seq || e.msg.Status != model.Sending {
		m.log.Debug().Str("message_id", id).Msg("dropping stale send result")
		return
	}
	if sendErr != nil {
		_ = m.markError(e, sendErr.Error())
		return
	}
	_ = m.markSent(e, remoteID)
}

func (m *Manager) markSending(e *entry) uint64 {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.msg.Countdown = 0
	e.msg.Error = ""
	e.sendSeq++
	m.setStatus(e, model.Sending)
	return e.sendSeq
}

func (m *Manager) markSent(e *entry, remoteID string) error {
	if err := model.ValidateTransition(e.msg.Status, model.Sent); err != nil {
		return err
	}
	e.msg.RemoteMessageID = remoteID
	e.msg.Error = ""
	m.setStatus(e, model.Sent)
	m.scheduleEvict(e, m.opts.SentGrace)
	m.persist()

	m.log.Info().Str("message_id", e.msg.ID).Str("remote_id", remoteID).Msg("message sent")
	m.notify(notify.Notice{
		Title:     "Message sent",
		Message:   fmt.Sprintf("Message to %s was sent", displayName(e.msg)),
		Severity:  notify.Success,
		MessageID: e.msg.ID,
	})
	return nil
}

func (m *Manager) markError(e *entry, reason string) error {
	if err := model.ValidateTransition(e.msg.Status, model.Error); err != nil {
		return err
	}
	if reason == "" {
		reason = "unknown error"
	}
	e.msg.Error = reason
	m.setStatus(e, model.Error)
	m.persist()

	m.log.Warn().Str("message_id", e.msg.ID).Str("reason", reason).Msg("message send failed")
	m.notify(notify.Notice{
		Title:     "Failed to send message",
		Message:   reason,
		Severity:  notify.Error,
		MessageID: e.msg.ID,
	})
	return nil
}

func (m *Manager) scheduleEvict(e *entry, grace time.Duration) {
	if e.evict != nil {
		e.evict.Stop()
	}
	id := e.msg.ID
	e.evict = m.deps.Clock.AfterFunc(grace, func() {
		m.post(func() { m.evict(id, e) })
	})
}

func (m *Manager) evict(id string, e *entry) {
	if m.entries[id] != e || !e.msg.Status.Terminal() {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, id)
	for i, x := range m.order {
		if x == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.log.Debug().Str("message_id", id).Str("status", string(e.msg.Status)).Msg("evicted")
	m.persist()
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Manager) lookup(id string) (*entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (m *Manager) checkContent(content string) error {
	if utf8.RuneCountInString(strings.TrimSpace(content)) < m.opts.MinContentLength {
		return fmt.Errorf("%w: need at least %d characters", ErrContentTooShort, m.opts.MinContentLength)
	}
	return nil
}

func (m *Manager) setStatus(e *entry, to model.Status) {
	e.msg.Status = to
	e.msg.UpdatedAt = m.deps.Clock.Now().UTC()
	m.deps.Metrics.IncTransition(string(to))
}

func (m *Manager) collection() []model.StagedMessage {
	out := make([]model.StagedMessage, 0, len(m.order))
	for _, id := range m.order {
		if e, ok := m.entries[id]; ok {
			out = append(out, e.msg)
		}
	}
	return out
}

// persist writes the whole collection; an empty queue removes the key.
func (m *Manager) persist() bool {
	ctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
	defer cancel()

	m.refreshDepth()
	if len(m.entries) == 0 {
		return m.deps.Store.Remove(ctx, m.opts.StoreKey)
	}
	return m.deps.Store.Save(ctx, m.opts.StoreKey, m.collection())
}

var allStatuses = []string{
	string(model.Pending), string(model.Paused), string(model.Sending),
	string(model.Sent), string(model.Cancelled), string(model.Error),
}

func (m *Manager) refreshDepth() {
	if m.deps.Metrics == nil {
		return
	}
	counts := make(map[string]int, len(allStatuses))
	for _, e := range m.entries {
		counts[string(e.msg.Status)]++
	}
	m.deps.Metrics.SetDepth(allStatuses, counts)
}

func (m *Manager) notify(n notify.Notice) {
	if n.At.IsZero() {
		n.At = m.deps.Clock.Now().UTC()
	}
	m.deps.Notifier.Notify(m.baseCtx, n)
}

func displayName(msg model.StagedMessage) string {
	if msg.PatientName != "" {
		return msg.PatientName
	}
	return msg.PatientID
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
