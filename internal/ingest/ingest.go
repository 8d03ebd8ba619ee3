package ingest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"taskline/internal/domain"
	"taskline/internal/engine"
)

// Ingestor turns record files dropped in the inbox into tasks. Each file
// becomes exactly one task: a parseable record becomes a pending task, a
// malformed one becomes a quarantined failed task. Either way the file is
// consumed, so a crash between runs can at worst re-ingest a file it
// already consumed, never lose one.
type Ingestor struct {
	Engine *engine.Engine
	Inbox  string
	Every  time.Duration
	Log    *slog.Logger
}

func New(e *engine.Engine, inbox string) *Ingestor {
	return &Ingestor{
		Engine: e,
		Inbox:  inbox,
		Every:  e.Config.Intake.Interval.Duration,
		Log:    slog.Default(),
	}
}

func (i *Ingestor) Name() string { return "intake" }

func (i *Ingestor) Interval() time.Duration { return i.Every }

// RunCycle scans the inbox once. Files are processed in name order so
// ingestion order is deterministic.
func (i *Ingestor) RunCycle(ctx context.Context) error {
	_, err := i.Scan(ctx)
	return err
}

// Scan ingests every record file currently in the inbox and returns the
// created tasks.
func (i *Ingestor) Scan(ctx context.Context) ([]domain.Task, error) {
	entries, err := os.ReadDir(i.Inbox)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var created []domain.Task
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		t, err := i.ingestFile(ctx, filepath.Join(i.Inbox, name))
		if err != nil {
			return created, err
		}
		created = append(created, t)
	}
	return created, nil
}

func (i *Ingestor) ingestFile(ctx context.Context, path string) (domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Task{}, err
	}

	var t domain.Task
	rec, parseErr := Parse(data)
	if parseErr != nil {
		if !errors.Is(parseErr, ErrMalformed) {
			return domain.Task{}, parseErr
		}
		i.Log.Warn("quarantining malformed record", "file", filepath.Base(path), "err", parseErr)
		t, err = i.Engine.Quarantine(ctx, string(data), filepath.Base(path), "malformed_record")
	} else {
		t, err = i.Engine.CreateTask(ctx, engine.TaskCreateOptions{
			Type:             rec.Header.Type,
			Priority:         rec.Header.Priority,
			Department:       rec.Header.Department,
			Content:          rec.Body,
			ApprovalRequired: rec.Header.ApprovalRequired,
			ConfidenceScore:  rec.Header.Confidence,
			RiskFactor:       rec.Header.Risk,
			ActorID:          "intake",
		})
	}
	if err != nil {
		return domain.Task{}, err
	}
	// Remove only after the task committed.
	if err := os.Remove(path); err != nil {
		return t, err
	}
	return t, nil
}
