package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Severity string

const (
	Info    Severity = "info"
	Success Severity = "success"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Notice is a passive, user-visible notification.
type Notice struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	MessageID string    `json:"messageId,omitempty"`
	At        time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// =============================================================================
// Log
// =============================================================================

type Log struct {
	log zerolog.Logger
}

func NewLog(l zerolog.Logger) *Log {
	return &Log{log: l.With().Str("component", "notify").Logger()}
}

func (l *Log) Notify(_ context.Context, n Notice) {
	ev := l.log.Info()
	switch n.Severity {
	case Warning:
		ev = l.log.Warn()
	case Error:
		ev = l.log.Error()
	}
	ev.Str("title", n.Title).Str("severity", string(n.Severity)).
		Str("message_id", n.MessageID).Msg(n.Message)
}

// =============================================================================
// Feed
// =============================================================================

const defaultFeedSize = 100

// Feed keeps the most recent notices in a bounded ring. The zero value holds
// defaultFeedSize notices.
type Feed struct {
	mu    sync.Mutex
	buf   []Notice
	next  int
	count int
	seq   uint64
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = defaultFeedSize
	}
	return &Feed{buf: make([]Notice, size)}
}

func (f *Feed) Notify(_ context.Context, n Notice) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buf) == 0 {
		f.buf = make([]Notice, defaultFeedSize)
	}
	f.buf[f.next] = n
	f.next = (f.next + 1) % len(f.buf)
	if f.count < len(f.buf) {
		f.count++
	}
	f.seq++
}

// Recent returns up to limit notices, newest first. limit <= 0 returns all.
func (f *Feed) Recent(limit int) []Notice {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limit <= 0 || limit > f.count {
		limit = f.count
	}
	out := make([]Notice, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.buf)) % len(f.buf)
		out = append(out, f.buf[idx])
	}
	return out
}

// Total is the number of notices ever recorded.
func (f *Feed) Total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

// =============================================================================
// Multi
// =============================================================================

type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, x := range m {
		if x != nil {
			x.Notify(ctx, n)
		}
	}
}
