package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"filmdesk/internal/bus"
	"filmdesk/internal/config"
	"filmdesk/internal/domain"
	"filmdesk/internal/history"
	"filmdesk/internal/repo"
	"filmdesk/internal/status"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	History history.Writer
	Bus     *bus.Bus
	Config  *config.Config
	Now     func() time.Time

	// BeforeTaskComplete runs between the intervention write and the task
	// write during finalize. Tests inject a failure here to check that the
	// two writes commit together or not at all.
	BeforeTaskComplete func() error

	locks *taskLocks
}

func New(db *sql.DB, b *bus.Bus, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		History: history.Writer{DB: db},
		Bus:     b,
		Config:  cfg,
		Now:     time.Now,
		locks:   &taskLocks{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	Title          string
	Priority       *int
	TechnicianID   string
	ClientID       string
	Workflow       string
	ScheduledStart string
	ScheduledEnd   string
}

// CreateTask inserts a task in its initial quote status.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Task{}, ValidationError("title is required")
	}
	if opts.ClientID != "" {
		if _, err := e.Repo.GetClient(ctx, opts.ClientID); err != nil {
			return domain.Task{}, fmt.Errorf("client %s: %w", opts.ClientID, err)
		}
	}
	workflow := opts.Workflow
	if workflow == "" {
		workflow = e.Config.Workflows.Default
	}
	if workflow != "" {
		if _, ok := e.Config.Workflows.Presets[workflow]; !ok {
			return domain.Task{}, ValidationError(fmt.Sprintf("workflow preset %s not found", workflow))
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	t := domain.Task{
		ID:             id,
		Title:          opts.Title,
		Status:         string(status.TaskQuote),
		Priority:       opts.Priority,
		TechnicianID:   optionalString(opts.TechnicianID),
		ClientID:       optionalString(opts.ClientID),
		Workflow:       workflow,
		ScheduledStart: optionalString(opts.ScheduledStart),
		ScheduledEnd:   optionalString(opts.ScheduledEnd),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskTransitionResult carries the updated task plus soft failures the
// caller may want to surface (a swallowed audit append, for one).
type TaskTransitionResult struct {
	Task     domain.Task
	Warnings []string
}

// TransitionTask moves a task to a new status through the transition policy.
// The status update is the primary mutation; the task_history append is
// best-effort and its failure only produces a warning.
func (e Engine) TransitionTask(ctx context.Context, taskID, newStatus, reason string) (TaskTransitionResult, error) {
	var res TaskTransitionResult
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return res, err
	}
	from, err := status.ParseTaskStatus(t.Status)
	if err != nil {
		return res, fmt.Errorf("task %s current status: %w", taskID, err)
	}
	to, err := status.ParseTaskStatus(newStatus)
	if err != nil {
		return res, err
	}
	if err := status.EnsureTransition(from, to); err != nil {
		return res, err
	}
	now := e.nowStr()
	if err := e.Repo.UpdateTaskStatus(ctx, taskID, string(to), now); err != nil {
		return res, err
	}
	t.Status = string(to)
	t.UpdatedAt = now
	if err := e.History.Append(ctx, taskID, string(from), string(to), reason); err != nil {
		log.Printf("engine: task %s history append failed: %v", taskID, err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("history not recorded for %s -> %s", from, to))
	}
	res.Task = t
	return res, nil
}

// DeleteTask soft-deletes a task. A task with an active intervention cannot
// be removed.
func (e Engine) DeleteTask(ctx context.Context, taskID string) error {
	unlock := e.locks.lock(taskID)
	defer unlock()

	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return err
	}
	iv, err := e.Repo.ActiveInterventionByTask(ctx, taskID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil {
		return ActiveInterventionError{TaskID: taskID, InterventionID: iv.ID}
	}
	return e.Repo.SoftDeleteTask(ctx, taskID, e.nowStr())
}

// TaskUpdateOptions are the schedulable fields; status is not among them.
type TaskUpdateOptions struct {
	ID             string
	Title          *string
	Priority       *int
	TechnicianID   *string
	ClientID       *string
	ScheduledStart *string
	ScheduledEnd   *string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return t, ValidationError("title is required")
		}
		t.Title = *opts.Title
	}
	if opts.Priority != nil {
		t.Priority = opts.Priority
	}
	if opts.TechnicianID != nil {
		t.TechnicianID = optionalString(*opts.TechnicianID)
	}
	if opts.ClientID != nil {
		if *opts.ClientID != "" {
			if _, err := e.Repo.GetClient(ctx, *opts.ClientID); err != nil {
				return t, fmt.Errorf("client %s: %w", *opts.ClientID, err)
			}
		}
		t.ClientID = optionalString(*opts.ClientID)
	}
	if opts.ScheduledStart != nil {
		t.ScheduledStart = optionalString(*opts.ScheduledStart)
	}
	if opts.ScheduledEnd != nil {
		t.ScheduledEnd = optionalString(*opts.ScheduledEnd)
	}
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
