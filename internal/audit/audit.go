// Package audit keeps the append-only record of every state-changing action.
//
// Records are stored as JSONL, one AuditEvent per line, at a single path.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codervisor/clawden/internal/common/logger"
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// SystemActor is recorded when the context carries no actor.
const SystemActor = "system"

type actorKey struct{}

// WithActor returns a context that attributes audited actions to actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor carried by ctx, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, ev v1.AuditEvent) error
}

// Filter selects records in Query. Zero fields match everything.
type Filter struct {
	Actor   string
	Action  string
	Target  string
	Outcome v1.Outcome
	Since   time.Time
	Until   time.Time
	// Limit keeps only the most recent matches.
	Limit int
}

func (f Filter) match(ev v1.AuditEvent) bool {
	switch {
	case f.Actor != "" && ev.Actor != f.Actor,
		f.Action != "" && ev.Action != f.Action,
		f.Target != "" && ev.Target != f.Target,
		f.Outcome != "" && ev.Outcome != f.Outcome,
		!f.Since.IsZero() && ev.Timestamp.Before(f.Since),
		!f.Until.IsZero() && ev.Timestamp.After(f.Until):
		return false
	}
	return true
}

// Log is the JSONL audit log. Appends are serialized, so lines land in
// completion order.
type Log struct {
	path   string
	mu     sync.Mutex
	f      *os.File
	logger *logger.Logger
}

// Open opens or creates the log at path.
func Open(path string, log *logger.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Log{
		path:   path,
		f:      f,
		logger: log.WithFields(zap.String("component", "audit")),
	}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Record appends ev. A zero timestamp is set to now and an empty actor is
// taken from ctx.
func (l *Log) Record(ctx context.Context, ev v1.AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Actor == "" {
		ev.Actor = ActorFrom(ctx)
	}
	if ev.Outcome == "" {
		ev.Outcome = v1.OutcomeSuccess
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("audit log is closed")
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	l.logger.Debug("audit",
		zap.String("actor", ev.Actor),
		zap.String("action", ev.Action),
		zap.String("target", ev.Target),
		zap.String("outcome", string(ev.Outcome)))
	return nil
}

// Query scans the log and returns matching records in append order.
func (l *Log) Query(f Filter) ([]v1.AuditEvent, error) {
	return QueryFile(l.path, f)
}

// QueryFile scans the log at path without opening it for writing.
func QueryFile(path string, f Filter) ([]v1.AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var out []v1.AuditEvent
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev v1.AuditEvent
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if !f.match(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) > f.Limit {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return out, nil
}

// Close closes the log; later Records fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Event builds an AuditEvent for action on target. A non-nil err makes the
// outcome a failure with err as the reason.
func Event(action, target string, err error) v1.AuditEvent {
	ev := v1.AuditEvent{Action: action, Target: target, Outcome: v1.OutcomeSuccess}
	if err != nil {
		ev.Outcome = v1.OutcomeFailure
		ev.Reason = err.Error()
	}
	return ev
}
