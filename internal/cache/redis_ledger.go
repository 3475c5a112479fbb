package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	RemoteMessageID string    `json:"remoteMessageId"`
	SentAt          time.Time `json:"sentAt"`
}

func receiptKey(messageID string) string {
	return fmt.Sprintf("staged:sent:%s", messageID)
}

func (c *RedisLedger) StoreSent(ctx context.Context, messageID, remoteMessageID string, sentAt time.Time) error {
	val := sentValue{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, receiptKey(messageID), b, c.ttl).Err()
}

func (c *RedisLedger) Lookup(ctx context.Context, messageID string) (Receipt, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, ErrNoReceipt
	}
	if err != nil {
		return Receipt{}, err
	}

	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt %s: %w", messageID, err)
	}
	return Receipt{
		MessageID:       messageID,
		RemoteMessageID: v.RemoteMessageID,
		SentAt:          v.SentAt,
	}, nil
}
