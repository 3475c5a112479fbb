package queue

import (
	"context"
	"time"

	"github.com/LeventeLantos/staged-messaging/internal/model"
	"github.com/LeventeLantos/staged-messaging/internal/notify"
)

const interruptedReason = "send interrupted by restart"

// restore loads the persisted queue before the loop starts.
//
// Pending countdowns are recomputed from createdAt; one that already ran out
// while the service was down is discarded rather than sent. Paused
// countdowns stay frozen. A message caught mid-send may or may not have
// reached the provider, so it comes back as an error for a person to decide.
func (m *Manager) restore() {
	ctx, cancel := context.WithTimeout(m.baseCtx, 10*time.Second)
	defer cancel()

	msgs := m.deps.Store.Load(ctx, m.opts.StoreKey)
	now := m.deps.Clock.Now()
	changed := false

	for _, msg := range msgs {
		if _, dup := m.entries[msg.ID]; dup {
			changed = true
			continue
		}
		e := &entry{msg: msg}

		switch msg.Status {
		case model.Pending:
			elapsed := int(now.Sub(msg.CreatedAt) / time.Second)
			if elapsed < 0 {
				elapsed = 0
			}
			remaining := max(0, m.opts.InitialCountdown-elapsed)
			if remaining == 0 {
				m.log.Info().Str("message_id", msg.ID).Time("created_at", msg.CreatedAt).
					Msg("discarding pending message that expired while offline")
				m.deps.Metrics.IncStaleDropped()
				changed = true
				continue
			}
			if remaining != msg.Countdown {
				changed = true
			}
			e.msg.Countdown = remaining
			m.add(e)
			e.timer = m.newTimer(msg.ID, remaining, true)

		case model.Paused:
			e.msg.Countdown = clamp(msg.Countdown, 0, m.opts.InitialCountdown)
			m.add(e)
			e.timer = m.newTimer(msg.ID, e.msg.Countdown, false)

		case model.Sending:
			// Not restored as-is: whether the interrupted send reached the provider is unknown.
			e.msg.Countdown = 0
			e.msg.Error = interruptedReason
			m.add(e)
			m.setStatus(e, model.Error)
			changed = true
			m.log.Warn().Str("message_id", msg.ID).Msg("message was mid-send at shutdown, marked as error")
			m.notify(notify.Notice{
				Title:     "Send interrupted",
				Message:   "Delivery status unknown after restart; review before retrying",
				Severity:  notify.Warning,
				MessageID: msg.ID,
			})

		case model.Sent:
			m.add(e)
			m.scheduleEvict(e, m.opts.SentGrace)

		case model.Cancelled:
			m.add(e)
			m.scheduleEvict(e, m.opts.CancelGrace)

		default: // error
			m.add(e)
		}
	}

	if changed {
		m.persist()
	} else {
		m.refreshDepth()
	}
}

func (m *Manager) add(e *entry) {
	m.entries[e.msg.ID] = e
	m.order = append(m.order, e.msg.ID)
}
