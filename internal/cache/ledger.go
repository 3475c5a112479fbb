package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNoReceipt = errors.New("no receipt recorded")

// Receipt is the provider's acknowledgement of a delivered staged message.
type Receipt struct {
	MessageID       string    `json:"messageId"`
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

type Ledger interface {
	StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error
	Lookup(ctx context.Context, messageID string) (Receipt, error)
}

// NoopLedger is used when no Redis is configured.
type NoopLedger struct{}

func (NoopLedger) StoreSent(context.Context, string, string, time.Time) error { return nil }

func (NoopLedger) Lookup(context.Context, string) (Receipt, error) {
	return Receipt{}, ErrNoReceipt
}
