package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/adapter/postgres"
)

// MealSequenceKey is the cache key of the daily meal_time sequence.
const MealSequenceKey = "wspush:meal:seq"

type Inserter interface {
	Insert(ctx context.Context, rec postgres.MealRecord) (int64, error)
}

// Leader reports whether this instance may run leader-only work. It is asked
// on every tick so the lease is renewed as long as the instance keeps it.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

type Sequencer interface {
	NextDailySequence(ctx context.Context, key string) (string, error)
}

type InsertConfig struct {
	MerchantCode      string
	StoreID           int64
	ChildMerchantCode string
	RecordUser        string
}

// InsertJob writes one meal record per tick on the elected leader. It never
// broadcasts.
type InsertJob struct {
	inserter  Inserter
	leader    Leader
	sequencer Sequencer
	clock     clockwork.Clock
	cfg       InsertConfig
}

func NewInsertJob(inserter Inserter, leader Leader, sequencer Sequencer, clock clockwork.Clock, cfg InsertConfig) *InsertJob {
	return &InsertJob{
		inserter:  inserter,
		leader:    leader,
		sequencer: sequencer,
		clock:     clock,
		cfg:       cfg,
	}
}

func (j *InsertJob) Run(ctx context.Context) error {
	leader, err := j.leader.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: leader check failed: %w", ErrSkipped, err)
	}
	if !leader {
		return fmt.Errorf("%w: not the leader", ErrSkipped)
	}

	seq, err := j.sequencer.NextDailySequence(ctx, MealSequenceKey)
	if err != nil {
		return fmt.Errorf("failed to get meal sequence: %w", err)
	}

	now := j.clock.Now()
	rec := postgres.MealRecord{
		MerchantCode:      j.cfg.MerchantCode,
		StoreID:           j.cfg.StoreID,
		ChildMerchantCode: j.cfg.ChildMerchantCode,
		MealTime:          seq,
		CreatedAt:         now,
		CreatedBy:         j.cfg.RecordUser,
		UpdatedAt:         now,
		UpdatedBy:         j.cfg.RecordUser,
	}

	n, err := j.inserter.Insert(ctx, rec)
	if err != nil {
		return err
	}

	slog.DebugContext(ctx, "Meal record inserted", "rows", n, "meal_time", seq)
	return nil
}

func (j *InsertJob) Job(interval time.Duration) Job {
	return Job{Name: "insert", Interval: interval, Run: j.Run}
}
