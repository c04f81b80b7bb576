// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EmbeddingBackfill de-duplicates concurrent "memory saved" / startup
// requests to enqueue memory_embedding_worker into at most one active
// run, with exactly one replay once the active run finishes if a
// request arrived while it was busy (spec §4.8).
type EmbeddingBackfill struct {
	dispatcher *Dispatcher
	handler    Handler

	mu      sync.Mutex
	running bool
	rerun   bool
}

// NewEmbeddingBackfill wires up the worker against handler, the
// domain callback that performs the actual backfill.
func NewEmbeddingBackfill(d *Dispatcher, handler Handler) *EmbeddingBackfill {
	return &EmbeddingBackfill{dispatcher: d, handler: handler}
}

const embeddingBackfillRunID = "memory_embedding_worker"

// Request is called from the "memory saved" hook and at startup.
func (b *EmbeddingBackfill) Request(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.rerun = true
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.enqueue(ctx)
}

func (b *EmbeddingBackfill) enqueue(ctx context.Context) {
	handle, err := b.dispatcher.Enqueue("memory_embedding_worker", func(cctx CommandContext) (CommandResult, error) {
		return b.handler(cctx)
	}, EnqueueOptions{
		RunID:       embeddingBackfillRunID,
		ThreadScope: "memory/embedding",
		Priority:    Priority(DefaultPriority),
		Context:     ctx,
	})
	if err != nil {
		// Already live: the in-flight run will trigger onDone itself.
		return
	}
	go func() {
		_, _ = handle.CompletionTask(context.Background())
		b.onDone(ctx)
	}()
}

func (b *EmbeddingBackfill) onDone(ctx context.Context) {
	b.mu.Lock()
	rerun := b.rerun
	b.rerun = false
	b.running = rerun
	b.mu.Unlock()

	if rerun {
		b.enqueue(ctx)
	}
}

// UsageLedger is the out-of-scope port CostAccounting reserves/records
// token usage against.
type UsageLedger interface {
	ReserveBudget(ctx context.Context, period string, tokens int) error
	RecordUsage(ctx context.Context, period string, tokens int, costCents int64) error
}

// CostAccounting serializes reservation/recording of token usage
// against monthly budgets behind a single mutex, matching spec §4.8 and
// the teacher's ratelimit.go pattern for protecting a shared counter.
type CostAccounting struct {
	mu      sync.Mutex
	ledger  UsageLedger
	limiter *rate.Limiter
}

// NewCostAccounting wires the accountant against ledger, throttled by
// limiter (nil disables throttling).
func NewCostAccounting(ledger UsageLedger, limiter *rate.Limiter) *CostAccounting {
	return &CostAccounting{ledger: ledger, limiter: limiter}
}

// Reserve reserves tokens against period's budget before a model call.
func (c *CostAccounting) Reserve(ctx context.Context, period string, tokens int) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ReserveBudget(ctx, period, tokens)
}

// Record commits actual usage after a model call completes.
func (c *CostAccounting) Record(ctx context.Context, period string, tokens int, costCents int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.RecordUsage(ctx, period, tokens, costCents)
}

// SeriesStore is the out-of-scope read port AutoStateDrivenEpisode
// consults to find the next series/writer to advance.
type SeriesStore interface {
	LowestCompletedSeries(ctx context.Context) (seriesID string, err error)
	WriterWeights(ctx context.Context, seriesID string) (map[string]float64, error)
}

// AutoStateDrivenEpisode periodically picks an active series with the
// lowest completed-episode count, selects a writer by weighted-random
// draw over score-derived weights, and enqueues the compound command
// that produces the next episode (spec §4.8).
type AutoStateDrivenEpisode struct {
	dispatcher *Dispatcher
	store      SeriesStore
	interval   time.Duration
	build      func(seriesID, writer string) (operationName string, handler Handler, opts EnqueueOptions)
	rng        *rand.Rand
}

// NewAutoStateDrivenEpisode constructs the worker. build assembles the
// compound command for the chosen (seriesID, writer) pair.
func NewAutoStateDrivenEpisode(d *Dispatcher, store SeriesStore, interval time.Duration, build func(seriesID, writer string) (string, Handler, EnqueueOptions)) *AutoStateDrivenEpisode {
	return &AutoStateDrivenEpisode{
		dispatcher: d,
		store:      store,
		interval:   interval,
		build:      build,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run ticks every interval until ctx is cancelled.
func (a *AutoStateDrivenEpisode) Run(ctx context.Context) {
	interval := a.interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *AutoStateDrivenEpisode) tick(ctx context.Context) {
	seriesID, err := a.store.LowestCompletedSeries(ctx)
	if err != nil || seriesID == "" {
		return
	}
	weights, err := a.store.WriterWeights(ctx, seriesID)
	if err != nil || len(weights) == 0 {
		return
	}
	writer := weightedRandom(a.rng, weights)
	if writer == "" {
		return
	}
	operationName, handler, opts := a.build(seriesID, writer)
	if opts.RunID == "" {
		opts.RunID = fmt.Sprintf("%s_%s_%s", operationName, seriesID, writer)
	}
	_, _ = a.dispatcher.Enqueue(operationName, handler, opts)
}

// weightedRandom draws a key from weights proportional to its value.
// Deterministic iteration order is not required: the draw only needs
// to respect relative weight, so map iteration order does not bias it.
func weightedRandom(rng *rand.Rand, weights map[string]float64) string {
	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return ""
	}
	r := rng.Float64() * total
	var acc float64
	for k, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		if r <= acc {
			return k
		}
	}
	return ""
}
