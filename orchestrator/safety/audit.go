// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package safety

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aivo-ai/aivo-virtual-brain-sub000/shared/logger"
)

// ErrAuditQueueClosed is returned by Record after Shutdown.
var ErrAuditQueueClosed = errors.New("audit queue is closed")

// AuditRecord is the persisted trace of a moderation decision. It carries a
// hash and length of the content, never the content itself.
type AuditRecord struct {
	ID                   string        `json:"id"`
	Timestamp            time.Time     `json:"timestamp"`
	ModerationID         string        `json:"moderation_id"`
	TenantID             string        `json:"tenant_id,omitempty"`
	UserID               string        `json:"user_id,omitempty"`
	RequestID            string        `json:"request_id,omitempty"`
	Subject              Subject       `json:"subject"`
	GradeBand            GradeBand     `json:"grade_band"`
	PolicyKey            string        `json:"policy"`
	ContentHash          string        `json:"content_hash"`
	ContentLength        int           `json:"content_length"`
	Severity             Severity      `json:"severity"`
	Action               Action        `json:"action"`
	TriggeredRules       []string      `json:"triggered_rules"`
	SELCategories        []SELCategory `json:"sel_categories,omitempty"`
	RequiresEscalation   bool          `json:"requires_escalation"`
	GuardianNotification bool          `json:"guardian_notification"`
	TeacherNotification  bool          `json:"teacher_notification"`
	Retries              int           `json:"-"`
}

// NewAuditRecord builds the audit record for res.
func NewAuditRecord(req Request, res *Result, now time.Time) AuditRecord {
	return AuditRecord{
		ID:                   uuid.New().String(),
		Timestamp:            now.UTC(),
		ModerationID:         res.ID,
		TenantID:             req.TenantID,
		UserID:               req.UserID,
		RequestID:            req.RequestID,
		Subject:              res.Subject,
		GradeBand:            res.GradeBand,
		PolicyKey:            res.PolicyKey,
		ContentHash:          res.ContentHash,
		ContentLength:        res.ContentLength,
		Severity:             res.Severity,
		Action:               res.Action,
		TriggeredRules:       append([]string(nil), res.TriggeredRules...),
		SELCategories:        append([]SELCategory(nil), res.SELCategories...),
		RequiresEscalation:   res.RequiresEscalation,
		GuardianNotification: res.GuardianNotification,
		TeacherNotification:  res.TeacherNotification,
	}
}

// AuditSink persists audit records.
type AuditSink interface {
	WriteAudit(ctx context.Context, rec AuditRecord) error
}

// AuditRecorder accepts records without blocking the caller.
type AuditRecorder interface {
	Record(rec AuditRecord) error
}

// AuditQueueConfig sizes an AuditQueue.
type AuditQueueConfig struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultAuditQueueConfig returns a 1000-entry queue with 2 workers.
func DefaultAuditQueueConfig() AuditQueueConfig {
	return AuditQueueConfig{QueueSize: 1000, Workers: 2, MaxRetries: 3, RetryDelay: 100 * time.Millisecond}
}

// AuditStats is a point-in-time view of queue counters.
type AuditStats struct {
	Queued    uint64 `json:"queued"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Overflow  uint64 `json:"overflow"`
	Pending   int    `json:"pending"`
}

// AuditQueue writes audit records asynchronously through a bounded channel.
// When the channel is full, or the primary sink keeps failing, records go to
// the fallback sink.
type AuditQueue struct {
	cfg      AuditQueueConfig
	queue    chan AuditRecord
	sink     AuditSink
	fallback AuditSink
	wg       sync.WaitGroup
	stopped  chan struct{}
	log      *log.Logger

	mu     sync.RWMutex
	closed bool

	queued    atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	overflow  atomic.Uint64
}

// NewAuditQueue starts cfg.Workers workers draining into sink. fallback may
// be nil, in which case records that cannot be written are logged and lost.
func NewAuditQueue(cfg AuditQueueConfig, sink, fallback AuditSink, l *log.Logger) *AuditQueue {
	def := DefaultAuditQueueConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if l == nil {
		l = log.New(os.Stdout, "[AUDIT] ", log.LstdFlags)
	}

	aq := &AuditQueue{
		cfg:      cfg,
		queue:    make(chan AuditRecord, cfg.QueueSize),
		sink:     sink,
		fallback: fallback,
		stopped:  make(chan struct{}),
		log:      l,
	}
	for i := 0; i < cfg.Workers; i++ {
		aq.wg.Add(1)
		go aq.worker(i)
	}
	go func() {
		aq.wg.Wait()
		close(aq.stopped)
	}()
	l.Printf("audit queue started with %d workers, capacity %d", cfg.Workers, cfg.QueueSize)
	return aq
}

// Record enqueues rec, writing it to the fallback sink when the queue is full.
func (aq *AuditQueue) Record(rec AuditRecord) error {
	aq.mu.RLock()
	defer aq.mu.RUnlock()
	if aq.closed {
		return ErrAuditQueueClosed
	}

	select {
	case aq.queue <- rec:
		aq.queued.Add(1)
		return nil
	default:
		aq.overflow.Add(1)
		return aq.writeFallback(context.Background(), rec)
	}
}

func (aq *AuditQueue) worker(id int) {
	defer aq.wg.Done()

	for rec := range aq.queue {
		var err error
		for retry := 0; retry < aq.cfg.MaxRetries; retry++ {
			if err = aq.sink.WriteAudit(context.Background(), rec); err == nil {
				aq.processed.Add(1)
				break
			}
			rec.Retries++
			time.Sleep(aq.cfg.RetryDelay * time.Duration(retry+1))
		}
		if err != nil {
			aq.failed.Add(1)
			aq.log.Printf("worker %d: audit %s failed after %d attempts: %v", id, rec.ID, rec.Retries, err)
			if ferr := aq.writeFallback(context.Background(), rec); ferr != nil {
				aq.log.Printf("worker %d: fallback write failed: %v", id, ferr)
			}
		}
	}
}

func (aq *AuditQueue) writeFallback(ctx context.Context, rec AuditRecord) error {
	if aq.fallback == nil {
		return fmt.Errorf("audit %s dropped: no fallback sink", rec.ID)
	}
	return aq.fallback.WriteAudit(ctx, rec)
}

// Shutdown stops accepting records and waits for workers to drain. On ctx
// expiry, whatever is still queued goes to the fallback sink and in-flight
// writes keep running; see Stopped.
func (aq *AuditQueue) Shutdown(ctx context.Context) error {
	aq.mu.Lock()
	if aq.closed {
		aq.mu.Unlock()
		return nil
	}
	aq.closed = true
	close(aq.queue)
	aq.mu.Unlock()

	select {
	case <-aq.stopped:
		s := aq.Stats()
		aq.log.Printf("audit queue shutdown complete. processed=%d failed=%d", s.Processed, s.Failed)
		return nil
	case <-ctx.Done():
		saved := 0
		for rec := range aq.queue {
			if err := aq.writeFallback(context.Background(), rec); err == nil {
				saved++
			}
		}
		aq.log.Printf("audit queue shutdown timed out, saved %d records to fallback", saved)
		return ctx.Err()
	}
}

// Stopped is closed once every worker has exited. After a timed out
// Shutdown, workers may still be writing to the sinks until then.
func (aq *AuditQueue) Stopped() <-chan struct{} {
	return aq.stopped
}

// Stats returns the queue counters.
func (aq *AuditQueue) Stats() AuditStats {
	return AuditStats{
		Queued:    aq.queued.Load(),
		Processed: aq.processed.Load(),
		Failed:    aq.failed.Load(),
		Overflow:  aq.overflow.Load(),
		Pending:   len(aq.queue),
	}
}

// LoggerAuditSink writes audit records as structured log lines.
type LoggerAuditSink struct {
	log *logger.Logger
}

// NewLoggerAuditSink wraps l.
func NewLoggerAuditSink(l *logger.Logger) *LoggerAuditSink {
	return &LoggerAuditSink{log: l}
}

// WriteAudit implements AuditSink.
func (s *LoggerAuditSink) WriteAudit(_ context.Context, rec AuditRecord) error {
	s.log.Info(rec.TenantID, rec.RequestID, "moderation audit", map[string]interface{}{
		"audit_id":            rec.ID,
		"moderation_id":       rec.ModerationID,
		"user_id":             rec.UserID,
		"policy":              rec.PolicyKey,
		"content_hash":        rec.ContentHash,
		"content_length":      rec.ContentLength,
		"severity":            rec.Severity,
		"action":              rec.Action,
		"triggered_rules":     rec.TriggeredRules,
		"sel_categories":      rec.SELCategories,
		"requires_escalation": rec.RequiresEscalation,
	})
	return nil
}

// FileAuditSink appends audit records to a file as JSON lines.
type FileAuditSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileAuditSink opens (or creates) path for appending.
func NewFileAuditSink(path string) (*FileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileAuditSink{file: f}, nil
}

// WriteAudit implements AuditSink.
func (s *FileAuditSink) WriteAudit(_ context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.file, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return s.file.Sync()
}

// Close closes the underlying file.
func (s *FileAuditSink) Close() error {
	return s.file.Close()
}

const moderationAuditSchema = `
CREATE TABLE IF NOT EXISTS moderation_audit (
	id UUID PRIMARY KEY,
	moderation_id UUID NOT NULL,
	tenant_id TEXT,
	user_id TEXT,
	request_id TEXT,
	subject TEXT NOT NULL,
	grade_band TEXT NOT NULL,
	policy_key TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content_length INTEGER NOT NULL,
	severity TEXT NOT NULL,
	action TEXT NOT NULL,
	triggered_rules TEXT[] NOT NULL DEFAULT '{}',
	sel_categories TEXT[] NOT NULL DEFAULT '{}',
	requires_escalation BOOLEAN NOT NULL DEFAULT FALSE,
	guardian_notification BOOLEAN NOT NULL DEFAULT FALSE,
	teacher_notification BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
)`

const insertModerationAudit = `
	INSERT INTO moderation_audit (
		id, moderation_id, tenant_id, user_id, request_id, subject, grade_band,
		policy_key, content_hash, content_length, severity, action,
		triggered_rules, sel_categories, requires_escalation,
		guardian_notification, teacher_notification, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`

// PostgresAuditSink stores audit records in the moderation_audit table.
type PostgresAuditSink struct {
	db *sql.DB
}

// NewPostgresAuditSink wraps an open database handle.
func NewPostgresAuditSink(db *sql.DB) *PostgresAuditSink {
	return &PostgresAuditSink{db: db}
}

// OpenPostgresAuditSink connects to dsn and verifies the connection.
func OpenPostgresAuditSink(ctx context.Context, dsn string) (*PostgresAuditSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	return &PostgresAuditSink{db: db}, nil
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresAuditSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, moderationAuditSchema); err != nil {
		return fmt.Errorf("failed to create moderation_audit table: %w", err)
	}
	return nil
}

// WriteAudit implements AuditSink.
func (s *PostgresAuditSink) WriteAudit(ctx context.Context, rec AuditRecord) error {
	sel := make([]string, len(rec.SELCategories))
	for i, c := range rec.SELCategories {
		sel[i] = string(c)
	}
	rules := rec.TriggeredRules
	if rules == nil {
		rules = []string{}
	}

	_, err := s.db.ExecContext(ctx, insertModerationAudit,
		rec.ID,
		rec.ModerationID,
		rec.TenantID,
		rec.UserID,
		rec.RequestID,
		string(rec.Subject),
		string(rec.GradeBand),
		rec.PolicyKey,
		rec.ContentHash,
		rec.ContentLength,
		string(rec.Severity),
		string(rec.Action),
		pq.Array(rules),
		pq.Array(sel),
		rec.RequiresEscalation,
		rec.GuardianNotification,
		rec.TeacherNotification,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert moderation audit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresAuditSink) Close() error {
	return s.db.Close()
}
