package pebbledb

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

type BatchWriterConfig struct {
	MaxBatchSize      int // Flush after this many ops (default: 1000)
	ChannelBufferSize int
	FlushInterval     time.Duration
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchSize:      1000,
		ChannelBufferSize: 100000,
		FlushInterval:     1 * time.Second,
	}
}

type writeOp struct {
	key   []byte
	value []byte
}

// BatchWriter coalesces event writes into periodic batch commits. Events are
// append-only and independently keyed, so losing the tail of the queue on a
// crash never corrupts the ledger.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	opCh    chan writeOp
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
}

func NewBatchWriter(db *pebble.DB, config BatchWriterConfig) *BatchWriter {
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 1000
	}
	if config.ChannelBufferSize == 0 {
		config.ChannelBufferSize = 100000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 1 * time.Second
	}

	bw := &BatchWriter{
		db:     db,
		config: config,
		opCh:   make(chan writeOp, config.ChannelBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

// Set queues a Set operation (lock-free)
func (bw *BatchWriter) Set(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value}
}

func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil // Already stopped
	}
	close(bw.stopCh)
	<-bw.doneCh // Wait for flusher to finish
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	flush := func() {
		if opCount == 0 {
			return
		}
		// The event feed is best-effort when batching is enabled, so a
		// failed commit drops the batch but must not crash the server.
		if err := batch.Commit(pebble.Sync); err != nil {
			log.Printf("pebbledb: batch writer commit failed, %d events dropped: %v", opCount, err)
		}
		batch.Close()
		batch = bw.db.NewBatch()
		opCount = 0
	}

	for {
		select {
		case op := <-bw.opCh:
			batch.Set(op.key, op.value, nil)
			opCount++

			if opCount >= bw.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-bw.stopCh:
			// Drain remaining operations from channel
			for {
				select {
				case op := <-bw.opCh:
					batch.Set(op.key, op.value, nil)
					opCount++
				default:
					flush()
					batch.Close()
					return
				}
			}
		}
	}
}
