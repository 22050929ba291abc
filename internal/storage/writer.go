package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/VedantPanchal23/Studio-sub001/internal/engine"
)

// AuditWriter buffers audit records and writes them to PostgreSQL off the
// hot path. It satisfies the engine's auditor interfaces, so a finished
// execution or a sweep decision costs one non-blocking channel send.
type AuditWriter struct {
	db   *DB
	ch   chan any
	wg   sync.WaitGroup
	done chan struct{}
}

// NewAuditWriter creates a writer over db with the given buffer size.
func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan any, bufferSize),
		done: make(chan struct{}),
	}
}

// Start launches the background write loop.
func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// RecordExecution enqueues a finished execution for the audit log.
func (w *AuditWriter) RecordExecution(rec engine.ExecutionRecord) {
	ended := rec.EndedAt
	row := &ExecutionRow{
		ID:          rec.ID,
		EnvID:       rec.EnvID,
		OwnerID:     rec.OwnerID,
		Language:    rec.Language,
		Status:      string(rec.Status),
		ExitCode:    rec.ExitCode,
		StdoutBytes: rec.StdoutBytes,
		StderrBytes: rec.StderrBytes,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		EndedAt:     &ended,
	}
	w.enqueue(row, rec.ID)
}

// RecordCleanup enqueues a cleanup decision for the audit log.
func (w *AuditWriter) RecordCleanup(dec engine.CleanupDecision) {
	row := &CleanupRow{
		EnvID:  dec.EnvID,
		Reason: dec.Reason,
		Error:  dec.Error,
		At:     dec.At,
	}
	w.enqueue(row, dec.EnvID)
}

func (w *AuditWriter) enqueue(row any, id string) {
	select {
	case w.ch <- row:
	default:
		log.Warn().Str("id", id).Msg("audit buffer full, dropping record")
	}
}

// Flush stops the loop and drains buffered records, bounded by timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case row := <-w.ch:
			w.writeWithRetry(row)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case row := <-w.ch:
					w.writeWithRetry(row)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(row any) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.write(ctx, row)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Msg("audit write failed permanently after retries")
		}
	}
}

func (w *AuditWriter) write(ctx context.Context, row any) error {
	switch r := row.(type) {
	case *ExecutionRow:
		return w.db.InsertExecution(ctx, r)
	case *CleanupRow:
		return w.db.InsertCleanupDecision(ctx, r)
	default:
		return nil
	}
}
