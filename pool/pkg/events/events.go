// Package events defines the structured events emitted by state-changing
// pool operations and an in-memory log that keeps a recent window of them.
package events

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Type string

const (
	TypeStake               Type = "stake"
	TypeDonationRateChanged Type = "donation_rate_changed"
	TypeUnstakeRequested    Type = "unstake_requested"
	TypeWithdrawalClaimed   Type = "withdrawal_claimed"
	TypeYieldClaimed        Type = "yield_claimed"
	TypeDonationsWithdrawn  Type = "donations_withdrawn"
	TypeMigrationInitiated  Type = "migration_initiated"
	TypeMigrationFinalized  Type = "migration_finalized"
	TypeCommunityRegistered Type = "community_registered"
	TypeRecipientRotated    Type = "recipient_rotated"
)

// Event is one structured pool event.
type Event struct {
	ID     uuid.UUID      `json:"id"`
	Type   Type           `json:"type"`
	Time   time.Time      `json:"time"`
	Fields map[string]any `json:"fields,omitempty"`
}

type LogConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Capacity bounds the retained window; older events are dropped.
	// Defaults to 1024.
	Capacity int
}

func (cfg *LogConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Capacity < 0 {
		return errors.New("capacity must not be negative")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Log is a bounded in-memory event log. Every emitted event is also
// mirrored to slog at info level.
type Log struct {
	log *slog.Logger
	cfg LogConfig

	mu    sync.Mutex
	buf   []Event
	start int
	count int
}

func NewLog(cfg LogConfig) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Log{
		log: cfg.Logger,
		cfg: cfg,
		buf: make([]Event, cfg.Capacity),
	}, nil
}

// Emit appends an event to the log.
func (l *Log) Emit(typ Type, fields map[string]any) Event {
	ev := Event{
		ID:     uuid.New(),
		Type:   typ,
		Time:   l.cfg.Clock.Now().UTC(),
		Fields: fields,
	}

	l.mu.Lock()
	idx := (l.start + l.count) % len(l.buf)
	l.buf[idx] = ev
	if l.count < len(l.buf) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	l.mu.Unlock()

	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "event", string(typ))
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	l.log.Info("pool event", attrs...)
	return ev
}

// Recent returns up to limit most recent events, newest last. A limit <= 0
// returns the full retained window.
func (l *Log) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (l.start + l.count - n + i) % len(l.buf)
		out[i] = l.buf[idx]
	}
	return out
}
