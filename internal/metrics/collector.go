// Package metrics collects in-memory statistics about an import session.
package metrics

import (
	"math"
	"sync"
	"time"
)

// Operation names for the collector.
const (
	OpBatchUpload = "batch_upload"
	OpChunkUpload = "chunk_upload"
	OpPoll        = "poll"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	Bytes     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	Failures    int64
	Bytes       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64
}

// Snapshot summarizes a session at a point in time.
type Snapshot struct {
	ElapsedSeconds float64
	Records        int64
	Skipped        int64
	BatchUpload    *OperationSnapshot
	ChunkUpload    *OperationSnapshot
	Poll           *OperationSnapshot
}

// Collector aggregates statistics for one session.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	records   int64
	skipped   int64
	ops       map[string]*OperationMetrics
	prom      *promMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		prom:      newPromMetrics(),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordUpload records one request of op that sent n bytes.
// A non-nil err counts as a failure.
func (c *Collector) RecordUpload(op string, n int, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	if err != nil {
		m.Failures++
	} else {
		m.Bytes += int64(n)
	}
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
	c.prom.observe(op, n, duration, err)
}

// RecordTiming records timing for an operation that carries no payload.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.RecordUpload(op, 0, duration, nil)
}

// AddRecords counts records accepted into a batch.
func (c *Collector) AddRecords(n int) {
	c.mu.Lock()
	c.records += int64(n)
	c.mu.Unlock()
	c.prom.Records.Add(float64(n))
}

// AddSkipped counts input rows that were dropped.
func (c *Collector) AddSkipped(n int) {
	c.mu.Lock()
	c.skipped += int64(n)
	c.mu.Unlock()
	c.prom.Skipped.Add(float64(n))
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	return &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		Bytes:       m.Bytes,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		ElapsedSeconds: time.Since(c.startTime).Seconds(),
		Records:        c.records,
		Skipped:        c.skipped,
		BatchUpload:    snapshotOp(c.ops[OpBatchUpload]),
		ChunkUpload:    snapshotOp(c.ops[OpChunkUpload]),
		Poll:           snapshotOp(c.ops[OpPoll]),
	}
}
