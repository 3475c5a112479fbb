package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/staged-messaging/internal/metrics"
	"github.com/LeventeLantos/staged-messaging/internal/model"
)

type SendClient interface {
	Send(ctx context.Context, patientID, conversationID, content string) (remoteMessageID string, err error)
}

// Sender performs one provider delivery per call. It never retries.
type Sender struct {
	client     SendClient
	contentMax int

	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	onSent   func(ctx context.Context, messageID, remoteMessageID string) error
	onFailed func(ctx context.Context, messageID, reason string) error
}

func NewSender(client SendClient, contentMax int) *Sender {
	return &Sender{
		client:     client,
		contentMax: contentMax,
		log:        zerolog.Nop(),
	}
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, messageID, remoteMessageID string) error,
	onFailed func(ctx context.Context, messageID, reason string) error,
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

// WithLimiter caps the provider call rate for this process.
func (s *Sender) WithLimiter(qps float64, burst int) *Sender {
	s.limiter = rate.NewLimiter(rate.Limit(qps), burst)
	return s
}

func (s *Sender) WithTimeout(d time.Duration) *Sender {
	s.timeout = d
	return s
}

func (s *Sender) WithMetrics(m *metrics.Metrics) *Sender {
	s.metrics = m
	return s
}

func (s *Sender) WithLogger(l zerolog.Logger) *Sender {
	s.log = l.With().Str("component", "sender").Logger()
	return s
}

// Deliver sends m's content to its patient and returns the provider's
// message id.
func (s *Sender) Deliver(ctx context.Context, m model.StagedMessage) (string, error) {
	if strings.TrimSpace(m.PatientID) == "" {
		return "", s.reject(ctx, m.ID, "missing patient id")
	}
	if s.contentMax > 0 && utf8.RuneCountInString(m.Content) > s.contentMax {
		return "", s.reject(ctx, m.ID, fmt.Sprintf("content exceeds %d chars", s.contentMax))
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", s.fail(ctx, m.ID, "failed", fmt.Errorf("rate limit wait: %w", err), 0)
		}
	}

	sctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	remoteID, err := s.client.Send(sctx, m.PatientID, m.ConversationID, m.Content)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && s.timeout > 0 {
			err = fmt.Errorf("send timed out after %s: %w", s.timeout, err)
		}
		return "", s.fail(ctx, m.ID, "failed", err, elapsed)
	}

	s.metrics.ObserveSend("sent", elapsed)
	s.log.Info().Str("message_id", m.ID).Str("remote_id", remoteID).
		Int64("duration_ms", elapsed.Milliseconds()).Msg("message delivered")

	if s.onSent != nil {
		if herr := s.onSent(ctx, m.ID, remoteID); herr != nil {
			s.log.Warn().Err(herr).Str("message_id", m.ID).Msg("sent hook failed")
		}
	}
	return remoteID, nil
}

func (s *Sender) reject(ctx context.Context, id, reason string) error {
	return s.fail(ctx, id, "rejected", errors.New(reason), 0)
}

func (s *Sender) fail(ctx context.Context, id, outcome string, err error, elapsed time.Duration) error {
	s.metrics.ObserveSend(outcome, elapsed)
	s.log.Warn().Err(err).Str("message_id", id).Str("outcome", outcome).Msg("delivery failed")

	if s.onFailed != nil {
		if herr := s.onFailed(ctx, id, err.Error()); herr != nil {
			s.log.Warn().Err(herr).Str("message_id", id).Msg("failed hook failed")
		}
	}
	return err
}
