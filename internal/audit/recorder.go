package audit

import (
	"context"
	"sync"
	"time"

	"presence-service/internal/bucketing"
	"presence-service/internal/client"
	"presence-service/internal/ratelimit"
	"presence-service/internal/util"
)

const insertDecisions = `INSERT INTO rate_limit_decisions
    (date_bucket, phone_number, ip_address, outcome, reason, decided_at)`

// Recorder buffers rate limit decisions and flushes them to ClickHouse in
// batches. RecordDecision never blocks the request path on ClickHouse.
type Recorder struct {
	ch      *client.ClickHouseClient
	buckets *bucketing.Manager

	mu  sync.Mutex
	buf []ratelimit.Decision

	batchSize     int
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

func NewRecorder(ch *client.ClickHouseClient, buckets *bucketing.Manager) *Recorder {
	return &Recorder{
		ch:            ch,
		buckets:       buckets,
		batchSize:     500,
		flushInterval: 5 * time.Second,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

var _ ratelimit.DecisionRecorder = (*Recorder)(nil)

func (r *Recorder) RecordDecision(ctx context.Context, d ratelimit.Decision) {
	r.mu.Lock()
	r.buf = append(r.buf, d)
	full := len(r.buf) >= r.batchSize
	r.mu.Unlock()

	if full {
		go r.flush()
	}
}

// Start launches the periodic flusher.
func (r *Recorder) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.flush()
			case <-r.stop:
				r.flush()
				return
			}
		}
	}()
}

// Close stops the flusher after a final flush.
func (r *Recorder) Close() {
	close(r.stop)
	<-r.done
}

func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	pending := r.buf
	r.buf = nil
	r.mu.Unlock()

	rows := make([][]interface{}, 0, len(pending))
	for _, d := range pending {
		rows = append(rows, []interface{}{
			r.buckets.DateBucket(d.At),
			d.PhoneNumber,
			d.IPAddress,
			d.Outcome.String(),
			d.Reason,
			d.At,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := r.ch.BatchInsert(ctx, insertDecisions, rows); err != nil {
		util.Error("Failed to flush decision batch",
			util.Int("rows", len(rows)),
			util.ErrorField(err))
		return
	}
	util.Debug("Flushed decision batch", util.Int("rows", len(rows)))
}
