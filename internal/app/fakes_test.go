package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pscheid92/wspush/internal/adapter/postgres"
	"github.com/pscheid92/wspush/internal/broadcast"
)

var errDBDown = errors.New("connection refused")

type fakeCounter struct {
	mu    sync.Mutex
	n     int64
	err   error
	calls int
}

func (f *fakeCounter) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n, f.err
}

func (f *fakeCounter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	payloads []string
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, payload string) broadcast.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return broadcast.DeliveryReport{Attempted: 1, Delivered: 1}
}

func (f *fakeBroadcaster) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

type fakeStore struct {
	mu     sync.Mutex
	values map[string]any
	err    error
}

func (f *fakeStore) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.values == nil {
		f.values = make(map[string]any)
	}
	f.values[key] = value
	return nil
}

type fakeInserter struct {
	mu      sync.Mutex
	records []postgres.MealRecord
	err     error
}

func (f *fakeInserter) Insert(_ context.Context, rec postgres.MealRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.records = append(f.records, rec)
	return 1, nil
}

type fakeLeader struct {
	leader bool
	err    error
}

func (f *fakeLeader) Acquire(context.Context) (bool, error) { return f.leader, f.err }

type fakeSequencer struct {
	next int
	err  error
}

func (f *fakeSequencer) NextDailySequence(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.next++
	return []string{"00001", "00002", "00003"}[f.next-1], nil
}
