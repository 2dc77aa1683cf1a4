// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"io"
	"log"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestTracker(clock *fakeClock, opts ...HealthOption) *HealthTracker {
	opts = append([]HealthOption{WithClock(clock.Now), WithHealthLogger(discardLogger())}, opts...)
	return NewHealthTracker(DefaultHealthConfig(), opts...)
}

func profiles(ids ...string) []ProviderProfile {
	out := make([]ProviderProfile, len(ids))
	for i, id := range ids {
		out[i] = ProviderProfile{ID: id, Type: ProviderTypeMock, CostRank: i + 1, Enabled: true}
	}
	return out
}
