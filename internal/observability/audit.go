package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventRepoSubscribe AuditEventType = "repo.subscribe"
	AuditEventSyncStart     AuditEventType = "sync.start"
	AuditEventSyncPage      AuditEventType = "sync.page"
	AuditEventSyncComplete  AuditEventType = "sync.complete"
	AuditEventSyncError     AuditEventType = "sync.error"
	AuditEventEmbedBatch    AuditEventType = "embed.batch"
	AuditEventEmbedError    AuditEventType = "embed.error"
	AuditEventSearchQuery   AuditEventType = "search.query"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp   time.Time              `json:"timestamp"`
	EventType   AuditEventType         `json:"event_type"`
	SessionID   string                 `json:"session_id"`
	Repo        string                 `json:"repo,omitempty"`
	Success     bool                   `json:"success"`
	Duration    time.Duration          `json:"duration_ms,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
}

// AuditLogger writes an append-only JSON-lines record of ingestion and
// search activity.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: sessionID,
		enabled:   config.Enabled,
	}, nil
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogRepoSubscribe logs a repository subscription.
func (l *AuditLogger) LogRepoSubscribe(ctx context.Context, repo string, created bool) {
	l.Log(&AuditEvent{
		EventType: AuditEventRepoSubscribe,
		Repo:      repo,
		Success:   true,
		Message:   fmt.Sprintf("Subscribed to %s", repo),
		Details: map[string]interface{}{
			"created": created,
		},
	})
}

// LogSyncStart logs the beginning of a repository sync.
func (l *AuditLogger) LogSyncStart(ctx context.Context, repo string, initial bool) {
	l.Log(&AuditEvent{
		EventType: AuditEventSyncStart,
		Repo:      repo,
		Success:   true,
		Message:   fmt.Sprintf("Sync started for %s", repo),
		Details: map[string]interface{}{
			"initial": initial,
		},
	})
}

// LogSyncPage logs one persisted page of issues.
func (l *AuditLogger) LogSyncPage(ctx context.Context, repo string, issues, pageSize int) {
	l.Log(&AuditEvent{
		EventType: AuditEventSyncPage,
		Repo:      repo,
		Success:   true,
		Message:   fmt.Sprintf("Persisted %d issues for %s", issues, repo),
		Details: map[string]interface{}{
			"issues":    issues,
			"page_size": pageSize,
		},
	})
}

// LogSyncComplete logs a finished repository sync.
func (l *AuditLogger) LogSyncComplete(ctx context.Context, repo string, duration time.Duration, pages, issues int) {
	l.Log(&AuditEvent{
		EventType: AuditEventSyncComplete,
		Repo:      repo,
		Success:   true,
		Duration:  duration,
		Message:   fmt.Sprintf("Sync completed for %s", repo),
		Details: map[string]interface{}{
			"pages":  pages,
			"issues": issues,
		},
	})
}

// LogSyncError logs a failed repository sync.
func (l *AuditLogger) LogSyncError(ctx context.Context, repo string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventSyncError,
		Repo:        repo,
		Success:     false,
		Message:     fmt.Sprintf("Sync failed for %s", repo),
		ErrorDetail: err.Error(),
	})
}

// LogEmbedBatch logs one embedding batch.
func (l *AuditLogger) LogEmbedBatch(ctx context.Context, model string, issues int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventEmbedBatch,
		Success:   true,
		Duration:  duration,
		Message:   fmt.Sprintf("Embedded %d issues", issues),
		Details: map[string]interface{}{
			"model":  model,
			"issues": issues,
		},
	})
}

// LogEmbedError logs a failed embedding batch.
func (l *AuditLogger) LogEmbedError(ctx context.Context, model string, issues int, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventEmbedError,
		Success:     false,
		Message:     fmt.Sprintf("Embedding batch of %d issues failed", issues),
		ErrorDetail: err.Error(),
		Details: map[string]interface{}{
			"model":  model,
			"issues": issues,
		},
	})
}

// LogSearchQuery logs a search request. The raw query is not recorded,
// only its shape.
func (l *AuditLogger) LogSearchQuery(ctx context.Context, exact bool, candidates, results int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType: AuditEventSearchQuery,
		Success:   true,
		Duration:  duration,
		Message:   fmt.Sprintf("Search returned %d results", results),
		Details: map[string]interface{}{
			"exact":      exact,
			"candidates": candidates,
			"results":    results,
		},
	})
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

// Global audit logger instance
var globalAuditLogger *AuditLogger
var auditOnce sync.Once

// InitGlobalAuditLogger initializes the global audit logger.
func InitGlobalAuditLogger(config *AuditConfig) error {
	var err error
	auditOnce.Do(func() {
		globalAuditLogger, err = NewAuditLogger(config)
	})
	return err
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if globalAuditLogger == nil {
		// Return a disabled logger if not initialized
		return &AuditLogger{enabled: false}
	}
	return globalAuditLogger
}
