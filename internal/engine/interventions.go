package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"filmdesk/internal/bus"
	"filmdesk/internal/config"
	"filmdesk/internal/domain"
	"filmdesk/internal/repo"
	"filmdesk/internal/status"
)

// StartInterventionOptions are parameters for starting an intervention on a
// task.
type StartInterventionOptions struct {
	TaskID       string
	TechnicianID string
	// Workflow names a config preset; Steps overrides it with an explicit
	// checklist.
	Workflow     string
	Steps        []config.StepSpec
	Materials    []domain.InterventionMaterial
	Observations string
}

// StartIntervention creates the intervention row, its ordered steps and
// planned materials, then moves the task to in_progress. Steps are inserted
// individually, so a partial failure is repaired by a single compensating
// cleanup pass rather than a transaction rollback.
func (e Engine) StartIntervention(ctx context.Context, opts StartInterventionOptions) (domain.Intervention, []domain.InterventionStep, error) {
	if e.Config == nil {
		return domain.Intervention{}, nil, errors.New("config not loaded")
	}
	if opts.TechnicianID == "" {
		return domain.Intervention{}, nil, ValidationError("technician is required")
	}
	unlock := e.locks.lock(opts.TaskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Intervention{}, nil, err
	}
	from, err := status.ParseTaskStatus(t.Status)
	if err != nil {
		return domain.Intervention{}, nil, fmt.Errorf("task %s current status: %w", t.ID, err)
	}
	if !status.StartableForIntervention(from) {
		return domain.Intervention{}, nil, status.InvalidTransitionError{From: from, To: status.TaskInProgress}
	}
	if active, err := e.Repo.ActiveInterventionByTask(ctx, t.ID); err == nil {
		return domain.Intervention{}, nil, ActiveInterventionError{TaskID: t.ID, InterventionID: active.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Intervention{}, nil, err
	}

	steps := opts.Steps
	workflow := opts.Workflow
	if len(steps) == 0 {
		if workflow == "" {
			workflow = t.Workflow
		}
		if workflow == "" {
			workflow = e.Config.Workflows.Default
		}
		preset, ok := e.Config.Workflows.Presets[workflow]
		if !ok {
			return domain.Intervention{}, nil, ValidationError(fmt.Sprintf("workflow preset %s not found", workflow))
		}
		steps = preset.Steps
	}

	now := e.nowStr()
	iv := domain.Intervention{
		ID:           uuid.New().String(),
		TaskID:       t.ID,
		Status:       string(status.InterventionStarted),
		TechnicianID: opts.TechnicianID,
		Observations: opts.Observations,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertIntervention(ctx, iv); err != nil {
		return domain.Intervention{}, nil, err
	}

	inserted := make([]domain.InterventionStep, 0, len(steps))
	for i, spec := range steps {
		step := domain.InterventionStep{
			InterventionID: iv.ID,
			SortOrder:      i + 1,
			Name:           spec.Name,
			Mandatory:      spec.Mandatory,
		}
		id, err := e.Repo.InsertStep(ctx, step)
		if err != nil {
			e.cleanupStart(ctx, iv.ID, t, string(from))
			return domain.Intervention{}, nil, fmt.Errorf("insert step %s: %w", spec.Name, err)
		}
		step.ID = id
		inserted = append(inserted, step)
	}
	for _, m := range opts.Materials {
		m.InterventionID = iv.ID
		if err := e.Repo.UpsertInterventionMaterial(ctx, m); err != nil {
			e.cleanupStart(ctx, iv.ID, t, string(from))
			return domain.Intervention{}, nil, fmt.Errorf("plan material %s: %w", m.MaterialID, err)
		}
	}

	if err := e.Repo.UpdateTaskStatus(ctx, t.ID, string(status.TaskInProgress), now); err != nil {
		e.cleanupStart(ctx, iv.ID, t, string(from))
		return domain.Intervention{}, nil, err
	}
	if workflow != "" && workflow != t.Workflow {
		t.Workflow = workflow
		t.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, t); err != nil {
			log.Printf("engine: task %s workflow pointer update failed: %v", t.ID, err)
		}
	}
	if err := e.History.Append(ctx, t.ID, string(from), string(status.TaskInProgress), "intervention started"); err != nil {
		log.Printf("engine: task %s history append failed: %v", t.ID, err)
	}
	return iv, inserted, nil
}

// cleanupStart removes whatever a failed start left behind and puts the task
// back where it was. One pass, no retries.
func (e Engine) cleanupStart(ctx context.Context, interventionID string, t domain.Task, prevStatus string) {
	if err := e.Repo.DeleteInterventionMaterials(ctx, interventionID); err != nil {
		log.Printf("engine: cleanup materials for %s failed: %v", interventionID, err)
	}
	if err := e.Repo.DeleteSteps(ctx, interventionID); err != nil {
		log.Printf("engine: cleanup steps for %s failed: %v", interventionID, err)
	}
	if err := e.Repo.DeleteIntervention(ctx, interventionID); err != nil {
		log.Printf("engine: cleanup intervention %s failed: %v", interventionID, err)
	}
	if t.Status != prevStatus {
		if err := e.Repo.UpdateTaskStatus(ctx, t.ID, prevStatus, e.nowStr()); err != nil {
			log.Printf("engine: cleanup task %s status revert failed: %v", t.ID, err)
		}
	}
}

// GetIntervention returns an intervention with its steps.
func (e Engine) GetIntervention(ctx context.Context, id string) (domain.Intervention, []domain.InterventionStep, error) {
	iv, err := e.Repo.GetIntervention(ctx, id)
	if err != nil {
		return iv, nil, err
	}
	steps, err := e.Repo.ListSteps(ctx, id)
	if err != nil {
		return iv, nil, err
	}
	return iv, steps, nil
}

// ActiveInterventionByTask returns the task's single active intervention.
func (e Engine) ActiveInterventionByTask(ctx context.Context, taskID string) (domain.Intervention, []domain.InterventionStep, error) {
	iv, err := e.Repo.ActiveInterventionByTask(ctx, taskID)
	if err != nil {
		return iv, nil, err
	}
	steps, err := e.Repo.ListSteps(ctx, iv.ID)
	if err != nil {
		return iv, nil, err
	}
	return iv, steps, nil
}

// InterventionUpdateOptions mutate collected workflow data. No state-machine
// transition happens here.
type InterventionUpdateOptions struct {
	ID           string
	Observations *string
	Photos       *int
	CompleteStep int64
	StepNotes    string
	Materials    []domain.InterventionMaterial
}

func (e Engine) UpdateIntervention(ctx context.Context, opts InterventionUpdateOptions) (domain.Intervention, error) {
	iv, err := e.Repo.GetIntervention(ctx, opts.ID)
	if err != nil {
		return iv, err
	}
	st, err := status.ParseInterventionStatus(iv.Status)
	if err != nil {
		return iv, err
	}
	if st.Terminal() {
		return iv, InterventionTerminalError{InterventionID: iv.ID, Status: iv.Status}
	}

	if opts.CompleteStep != 0 {
		if err := e.completeStep(ctx, &iv, opts.CompleteStep, opts.StepNotes); err != nil {
			return iv, err
		}
	}
	if opts.Observations != nil {
		iv.Observations = *opts.Observations
	}
	if opts.Photos != nil {
		iv.Photos = *opts.Photos
	}
	iv.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateInterventionData(ctx, iv); err != nil {
		return iv, err
	}
	for _, m := range opts.Materials {
		m.InterventionID = iv.ID
		if err := e.Repo.UpsertInterventionMaterial(ctx, m); err != nil {
			return iv, fmt.Errorf("plan material %s: %w", m.MaterialID, err)
		}
	}
	return iv, nil
}

// completeStep marks one step done, enforcing checklist order: every step
// with a lower sort order must already be complete.
func (e Engine) completeStep(ctx context.Context, iv *domain.Intervention, stepID int64, notes string) error {
	steps, err := e.Repo.ListSteps(ctx, iv.ID)
	if err != nil {
		return err
	}
	var target *domain.InterventionStep
	for i := range steps {
		if steps[i].ID == stepID {
			target = &steps[i]
			break
		}
	}
	if target == nil {
		return repo.ErrNotFound
	}
	if target.CompletedAt != nil {
		return ValidationError(fmt.Sprintf("step %s already completed", target.Name))
	}
	for _, s := range steps {
		if s.SortOrder < target.SortOrder && s.CompletedAt == nil {
			return StepOutOfOrderError{Step: target.Name, Blocking: s.Name}
		}
	}
	if err := e.Repo.CompleteStep(ctx, stepID, e.nowStr(), notes); err != nil {
		return err
	}
	// first completed step moves the intervention out of started
	if iv.Status == string(status.InterventionStarted) {
		iv.Status = string(status.InterventionActive)
		if _, err := e.DB.ExecContext(ctx, `UPDATE interventions SET status=? WHERE id=?`, iv.Status, iv.ID); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeInterventionOptions carry the data collected on site.
type FinalizeInterventionOptions struct {
	ID           string
	Observations string
	Photos       int
	Satisfaction *int
	Quality      *int
	Signature    string
}

// FinalizeIntervention closes the intervention and completes its task in one
// unit of work, then publishes InterventionFinalized. The task write
// deliberately bypasses the generic transition path so both rows commit
// together.
func (e Engine) FinalizeIntervention(ctx context.Context, opts FinalizeInterventionOptions) (domain.Intervention, error) {
	iv, err := e.Repo.GetIntervention(ctx, opts.ID)
	if err != nil {
		return iv, err
	}
	unlock := e.locks.lock(iv.TaskID)
	defer unlock()
	// re-read under the lock: a concurrent finalize or delete may have moved
	// the intervention between the first load and here
	iv, err = e.Repo.GetIntervention(ctx, opts.ID)
	if err != nil {
		return iv, err
	}

	st, err := status.ParseInterventionStatus(iv.Status)
	if err != nil {
		return iv, err
	}
	if st.Terminal() {
		return iv, InterventionTerminalError{InterventionID: iv.ID, Status: iv.Status}
	}
	steps, err := e.Repo.ListSteps(ctx, iv.ID)
	if err != nil {
		return iv, err
	}
	var missing []string
	for _, s := range steps {
		if s.Mandatory && s.CompletedAt == nil {
			missing = append(missing, s.Name)
		}
	}
	if len(missing) > 0 {
		return iv, MandatoryStepsError{Missing: missing}
	}
	t, err := e.Repo.GetTask(ctx, iv.TaskID)
	if err != nil {
		return iv, err
	}

	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	iv.Status = string(status.InterventionFinalized)
	if opts.Observations != "" {
		iv.Observations = opts.Observations
	}
	if opts.Photos != 0 {
		iv.Photos = opts.Photos
	}
	iv.Satisfaction = opts.Satisfaction
	iv.Quality = opts.Quality
	iv.Signature = optionalString(opts.Signature)
	iv.FinalizedAt = &nowStr
	iv.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return iv, err
	}
	defer tx.Rollback()

	if err := e.Repo.FinalizeInterventionTx(ctx, tx, iv); err != nil {
		return iv, err
	}
	if e.BeforeTaskComplete != nil {
		if err := e.BeforeTaskComplete(); err != nil {
			return iv, err
		}
	}
	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, t.ID, string(status.TaskCompleted), nowStr); err != nil {
		return iv, err
	}
	if err := e.History.AppendTx(ctx, tx, t.ID, t.Status, string(status.TaskCompleted), "intervention finalized"); err != nil {
		return iv, err
	}
	if err := tx.Commit(); err != nil {
		return iv, err
	}

	if e.Bus != nil {
		e.Bus.Publish(&bus.Event{
			Type: bus.EventInterventionFinalized,
			InterventionFinalized: &bus.InterventionFinalized{
				InterventionID: iv.ID,
				TaskID:         t.ID,
				TechnicianID:   iv.TechnicianID,
				CompletedAtMS:  now.UnixMilli(),
			},
		})
	}
	return iv, nil
}

// DeleteIntervention removes a non-finalized intervention and its rows, and
// puts the task back to scheduled if the start had moved it.
func (e Engine) DeleteIntervention(ctx context.Context, id string) error {
	iv, err := e.Repo.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	unlock := e.locks.lock(iv.TaskID)
	defer unlock()
	// re-read under the lock so a finalize that raced us is seen
	iv, err = e.Repo.GetIntervention(ctx, id)
	if err != nil {
		return err
	}
	if iv.Status == string(status.InterventionFinalized) {
		return InterventionTerminalError{InterventionID: iv.ID, Status: iv.Status}
	}

	if err := e.Repo.DeleteInterventionMaterials(ctx, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteSteps(ctx, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteIntervention(ctx, id); err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, iv.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if t.Status == string(status.TaskInProgress) {
		now := e.nowStr()
		if err := e.Repo.UpdateTaskStatus(ctx, t.ID, string(status.TaskScheduled), now); err != nil {
			return err
		}
		if err := e.History.Append(ctx, t.ID, t.Status, string(status.TaskScheduled), "intervention deleted"); err != nil {
			log.Printf("engine: task %s history append failed: %v", t.ID, err)
		}
	}
	return nil
}
