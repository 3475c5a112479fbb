package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/staged-messaging/internal/metrics"
	"github.com/LeventeLantos/staged-messaging/internal/model"
)

// CurrentVersion is the envelope version this build writes. Version 0 is the
// legacy bare JSON array.
const CurrentVersion = 1

var (
	ErrCorrupt      = errors.New("store: corrupted payload")
	ErrNewerVersion = errors.New("store: payload written by a newer version")
)

type envelope struct {
	Version  int                   `json:"version"`
	SavedAt  time.Time             `json:"savedAt"`
	Messages []model.StagedMessage `json:"messages"`
}

type header struct {
	Version  *int            `json:"version"`
	SavedAt  time.Time       `json:"savedAt"`
	Messages json.RawMessage `json:"messages"`
}

// Snapshot is a decoded payload as found in the backend.
type Snapshot struct {
	Version  int                   `json:"version" yaml:"version"`
	SavedAt  time.Time             `json:"savedAt" yaml:"savedAt"`
	Messages []model.StagedMessage `json:"messages" yaml:"messages"`
}

// Adapter persists the staged collection under a single key. It never
// returns errors to its caller: failures are logged and reported as
// false or an empty collection.
type Adapter struct {
	backend Backend
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Keys whose stored payload came from a newer release. Writes to them
	// are refused so that payload survives this process.
	mu     sync.Mutex
	frozen map[string]bool
}

func NewAdapter(backend Backend, log zerolog.Logger, m *metrics.Metrics) *Adapter {
	return &Adapter{
		backend: backend,
		log:     log.With().Str("component", "store").Logger(),
		metrics: m,
		now:     time.Now,
		frozen:  make(map[string]bool),
	}
}

func (a *Adapter) Save(ctx context.Context, key string, msgs []model.StagedMessage) bool {
	if a.isFrozen(key) {
		a.log.Warn().Str("key", key).Msg("not overwriting staged queue from newer release")
		a.metrics.IncStoreOp("save", "skipped")
		return false
	}
	if msgs == nil {
		msgs = []model.StagedMessage{}
	}
	b, err := json.Marshal(envelope{
		Version:  CurrentVersion,
		SavedAt:  a.now().UTC(),
		Messages: msgs,
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("encode staged queue")
		a.metrics.IncStoreOp("save", "error")
		return false
	}
	if err := a.backend.Put(ctx, key, b); err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("persist staged queue")
		a.metrics.IncStoreOp("save", "error")
		return false
	}
	a.metrics.IncStoreOp("save", "ok")
	return true
}

// Load returns the persisted collection. Absent, unreadable and corrupted
// values all yield an empty collection; corrupted values are cleared.
func (a *Adapter) Load(ctx context.Context, key string) []model.StagedMessage {
	snap, err := a.Peek(ctx, key)
	switch {
	case err == nil:
		a.metrics.IncStoreOp("load", "ok")
		if snap.Version < CurrentVersion {
			a.log.Info().Str("key", key).Int("from_version", snap.Version).
				Int("to_version", CurrentVersion).Msg("migrated staged queue")
		}
		return snap.Messages
	case errors.Is(err, ErrNotFound):
		a.metrics.IncStoreOp("load", "ok")
		return []model.StagedMessage{}
	case errors.Is(err, ErrNewerVersion):
		a.log.Warn().Err(err).Str("key", key).Msg("leaving staged queue from newer release untouched")
		a.mu.Lock()
		a.frozen[key] = true
		a.mu.Unlock()
		a.metrics.IncStoreOp("load", "skipped")
		return []model.StagedMessage{}
	case errors.Is(err, ErrCorrupt):
		a.metrics.IncStoreOp("load", "corrupt")
		a.clearCorrupt(ctx, key, err)
		return []model.StagedMessage{}
	default:
		a.log.Error().Err(err).Str("key", key).Msg("read staged queue")
		a.metrics.IncStoreOp("load", "error")
		return []model.StagedMessage{}
	}
}

// Remove deletes the key. Removing an absent key succeeds.
func (a *Adapter) Remove(ctx context.Context, key string) bool {
	if a.isFrozen(key) {
		a.metrics.IncStoreOp("remove", "skipped")
		return false
	}
	if err := a.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		a.log.Error().Err(err).Str("key", key).Msg("remove staged queue")
		a.metrics.IncStoreOp("remove", "error")
		return false
	}
	a.metrics.IncStoreOp("remove", "ok")
	return true
}

func (a *Adapter) isFrozen(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen[key]
}

// Peek reads and decodes the value without repairing it.
func (a *Adapter) Peek(ctx context.Context, key string) (Snapshot, error) {
	raw, err := a.backend.Get(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(raw)
}

func Decode(raw []byte) (Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty value", ErrCorrupt)
	}

	var snap Snapshot
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &snap.Messages); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		migrateV0(snap.Messages)
	case '{':
		var h header
		if err := json.Unmarshal(raw, &h); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if h.Version == nil {
			return Snapshot{}, fmt.Errorf("%w: missing version", ErrCorrupt)
		}
		if *h.Version > CurrentVersion {
			return Snapshot{}, fmt.Errorf("%w: version %d > %d", ErrNewerVersion, *h.Version, CurrentVersion)
		}
		if *h.Version < 1 {
			return Snapshot{}, fmt.Errorf("%w: invalid version %d", ErrCorrupt, *h.Version)
		}
		snap.Version = *h.Version
		snap.SavedAt = h.SavedAt
		if len(h.Messages) > 0 && !bytes.Equal(h.Messages, []byte("null")) {
			if err := json.Unmarshal(h.Messages, &snap.Messages); err != nil {
				return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
	default:
		return Snapshot{}, fmt.Errorf("%w: unexpected leading byte %q", ErrCorrupt, raw[0])
	}

	if snap.Messages == nil {
		snap.Messages = []model.StagedMessage{}
	}
	seen := make(map[string]bool, len(snap.Messages))
	for _, m := range snap.Messages {
		if err := m.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if seen[m.ID] {
			return Snapshot{}, fmt.Errorf("%w: duplicate id %s", ErrCorrupt, m.ID)
		}
		seen[m.ID] = true
	}
	return snap, nil
}

// Legacy entries carried no updatedAt.
func migrateV0(msgs []model.StagedMessage) {
	for i := range msgs {
		if msgs[i].UpdatedAt.IsZero() {
			msgs[i].UpdatedAt = msgs[i].CreatedAt
		}
	}
}

func (a *Adapter) clearCorrupt(ctx context.Context, key string, cause error) {
	if q, ok := a.backend.(Quarantiner); ok {
		dst, err := q.Quarantine(ctx, key)
		if err == nil {
			a.log.Warn().Err(cause).Str("key", key).Str("quarantine", dst).Msg("quarantined corrupted staged queue")
			return
		}
		a.log.Error().Err(err).Str("key", key).Msg("quarantine failed, deleting")
	}
	if err := a.backend.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		a.log.Error().Err(err).Str("key", key).Msg("clear corrupted staged queue")
		return
	}
	a.log.Warn().Err(cause).Str("key", key).Msg("cleared corrupted staged queue")
}
