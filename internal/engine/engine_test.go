package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"filmdesk/internal/bus"
	"filmdesk/internal/config"
	"filmdesk/internal/db"
	"filmdesk/internal/domain"
	"filmdesk/internal/engine"
	"filmdesk/internal/inventory"
	"filmdesk/internal/migrate"
	"filmdesk/internal/repo"
	"filmdesk/internal/status"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *bus.Bus
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	cfg := config.Default("shop-1")
	eng := engine.New(conn, b, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Bus: b, Ctx: context.Background()}
}

// createScheduledTask walks a fresh task from quote to scheduled.
func createScheduledTask(t *testing.T, env *testEnv) string {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Full front PPF"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "scheduled", ""); err != nil {
		t.Fatalf("to scheduled: %v", err)
	}
	return task.ID
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "Hood wrap"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != "quote" {
		t.Fatalf("initial status = %s, want quote", task.Status)
	}
	// direct completion from quote must be rejected
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "completed", ""); err == nil {
		t.Fatalf("expected transition error quote -> completed")
	}
	res, err := env.Engine.TransitionTask(env.Ctx, task.ID, "scheduled", "booked")
	if err != nil || res.Task.Status != "scheduled" {
		t.Fatalf("to scheduled: %v", err)
	}
	// scheduled -> completed skips in_progress and must be rejected
	_, err = env.Engine.TransitionTask(env.Ctx, task.ID, "completed", "")
	var ite status.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != status.TaskScheduled || ite.To != status.TaskCompleted {
		t.Fatalf("error detail = %s -> %s", ite.From, ite.To)
	}
	res, err = env.Engine.TransitionTask(env.Ctx, task.ID, "in_progress", "")
	if err != nil || res.Task.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	res, err = env.Engine.TransitionTask(env.Ctx, task.ID, "paused", "lunch")
	if err != nil || res.Task.Status != "paused" {
		t.Fatalf("to paused: %v", err)
	}
	res, err = env.Engine.TransitionTask(env.Ctx, task.ID, "in_progress", "")
	if err != nil || res.Task.Status != "in_progress" {
		t.Fatalf("resume: %v", err)
	}
	res, err = env.Engine.TransitionTask(env.Ctx, task.ID, "completed", "")
	if err != nil || res.Task.Status != "completed" {
		t.Fatalf("to completed: %v", err)
	}
	// completed is terminal
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "in_progress", ""); err == nil {
		t.Fatalf("expected terminal status error")
	}
}

func TestSelfTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t"})
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "quote", ""); err == nil {
		t.Fatalf("expected self-transition rejection")
	}
}

func TestTransitionUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t"})
	_, err := env.Engine.TransitionTask(env.Ctx, task.ID, "polishing", "")
	var pe status.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestTransitionNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.TransitionTask(env.Ctx, "missing", "scheduled", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// soft-deleted tasks behave as absent
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t"})
	if err := env.Engine.DeleteTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "scheduled", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on soft-deleted task, got %v", err)
	}
}

func TestTransitionWritesHistory(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t"})
	before, _ := env.Engine.Repo.ListTaskHistory(env.Ctx, task.ID)
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "scheduled", "client confirmed"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	after, err := env.Engine.Repo.ListTaskHistory(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("history rows = %d, want %d", len(after), len(before)+1)
	}
	h := after[len(after)-1]
	if h.OldStatus != "quote" || h.NewStatus != "scheduled" || h.Reason != "client confirmed" {
		t.Fatalf("history row = %+v", h)
	}
	// a rejected transition appends nothing
	if _, err := env.Engine.TransitionTask(env.Ctx, task.ID, "completed", ""); err == nil {
		t.Fatal("expected rejection")
	}
	again, _ := env.Engine.Repo.ListTaskHistory(env.Ctx, task.ID)
	if len(again) != len(after) {
		t.Fatalf("rejected transition wrote history")
	}
}

func TestTransitionWarnsWhenHistoryUnavailable(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t"})
	// break the history table; the transition itself must still go through
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `ALTER TABLE task_history RENAME TO task_history_backup`); err != nil {
		t.Fatalf("rename history table: %v", err)
	}
	res, err := env.Engine.TransitionTask(env.Ctx, task.ID, "scheduled", "booked")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Task.Status != "scheduled" {
		t.Fatalf("status = %s, want scheduled", res.Task.Status)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v, want one", res.Warnings)
	}
	// the status change is persisted even though history was not
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "scheduled" {
		t.Fatalf("persisted status = %s, want scheduled", got.Status)
	}
}

func TestStartInterventionRequiresStartableStatus(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t"})
	_, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: task.ID, TechnicianID: "tech-1"})
	var ite status.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError on quote task, got %v", err)
	}
}

func TestStartInterventionInitializesPresetSteps(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	iv, steps, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{
		TaskID:       taskID,
		TechnicianID: "tech-1",
		Workflow:     "ppf.standard",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if iv.Status != "started" {
		t.Fatalf("intervention status = %s", iv.Status)
	}
	preset := env.Engine.Config.Workflows.Presets["ppf.standard"]
	if len(steps) != len(preset.Steps) {
		t.Fatalf("steps = %d, want %d", len(steps), len(preset.Steps))
	}
	for i, s := range steps {
		if s.Name != preset.Steps[i].Name || s.SortOrder != i+1 {
			t.Fatalf("step %d = %+v", i, s)
		}
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, taskID)
	if task.Status != "in_progress" {
		t.Fatalf("task status = %s, want in_progress", task.Status)
	}
}

func TestSecondActiveInterventionRejected(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	if _, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	// pause puts the task back in a startable status, but the first
	// intervention is still active
	if _, err := env.Engine.TransitionTask(env.Ctx, taskID, "paused", ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-2"})
	var aie engine.ActiveInterventionError
	if !errors.As(err, &aie) {
		t.Fatalf("expected ActiveInterventionError, got %v", err)
	}
}

func TestStepCompletionOrder(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	iv, steps, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// completing the second step before the first is out of order
	_, err = env.Engine.UpdateIntervention(env.Ctx, engine.InterventionUpdateOptions{ID: iv.ID, CompleteStep: steps[1].ID})
	var soe engine.StepOutOfOrderError
	if !errors.As(err, &soe) {
		t.Fatalf("expected StepOutOfOrderError, got %v", err)
	}
	got, err := env.Engine.UpdateIntervention(env.Ctx, engine.InterventionUpdateOptions{ID: iv.ID, CompleteStep: steps[0].ID})
	if err != nil {
		t.Fatalf("complete first step: %v", err)
	}
	if got.Status != "active" {
		t.Fatalf("intervention status after first step = %s, want active", got.Status)
	}
	if _, err := env.Engine.UpdateIntervention(env.Ctx, engine.InterventionUpdateOptions{ID: iv.ID, CompleteStep: steps[0].ID}); err == nil {
		t.Fatal("expected error completing a step twice")
	}
}

func completeAllSteps(t *testing.T, env *testEnv, ivID string) {
	t.Helper()
	steps, err := env.Engine.Repo.ListSteps(env.Ctx, ivID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for _, s := range steps {
		if s.CompletedAt != nil {
			continue
		}
		if _, err := env.Engine.UpdateIntervention(env.Ctx, engine.InterventionUpdateOptions{ID: ivID, CompleteStep: s.ID}); err != nil {
			t.Fatalf("complete step %s: %v", s.Name, err)
		}
	}
}

func TestFinalizeRequiresMandatorySteps(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	iv, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID})
	var mse engine.MandatoryStepsError
	if !errors.As(err, &mse) {
		t.Fatalf("expected MandatoryStepsError, got %v", err)
	}
	if len(mse.Missing) == 0 {
		t.Fatal("missing steps not reported")
	}
}

func TestFinalizeAtomicity(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	iv, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completeAllSteps(t, env, iv.ID)

	env.Engine.BeforeTaskComplete = func() error { return errors.New("injected fault") }
	if _, err := env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID}); err == nil {
		t.Fatal("expected injected fault to surface")
	}
	// neither write applied
	got, _ := env.Engine.Repo.GetIntervention(env.Ctx, iv.ID)
	if got.Status == "finalized" {
		t.Fatalf("intervention finalized despite fault")
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, taskID)
	if task.Status != "in_progress" {
		t.Fatalf("task status = %s after fault, want in_progress", task.Status)
	}

	env.Engine.BeforeTaskComplete = nil
	fin, err := env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID, Signature: "sig"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if fin.Status != "finalized" || fin.FinalizedAt == nil {
		t.Fatalf("intervention = %+v", fin)
	}
	task, _ = env.Engine.Repo.GetTask(env.Ctx, taskID)
	if task.Status != "completed" {
		t.Fatalf("task status = %s, want completed", task.Status)
	}
	// finalized is terminal
	if _, err := env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID}); err == nil {
		t.Fatal("expected terminal error on double finalize")
	}
	if err := env.Engine.DeleteIntervention(env.Ctx, iv.ID); err == nil {
		t.Fatal("expected delete of finalized intervention to fail")
	}
}

func TestConcurrentFinalizeSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	iv, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completeAllSteps(t, env, iv.ID)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, terminal int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			var te engine.InterventionTerminalError
			if !errors.As(err, &te) {
				t.Fatalf("unexpected error: %v", err)
			}
			terminal++
		}
	}
	if ok != 1 || terminal != 1 {
		t.Fatalf("winners = %d, terminal rejections = %d, want 1 and 1", ok, terminal)
	}
	// only one history row was written for the completion
	hist, err := env.Engine.Repo.ListTaskHistory(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var completions int
	for _, h := range hist {
		if h.NewStatus == "completed" {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("completion history rows = %d, want 1", completions)
	}
}

func TestFinalizeConsumesStock(t *testing.T) {
	env := newTestEnv(t)
	env.Bus.Subscribe(inventory.Consumer{Materials: env.Engine.Repo, Stock: env.Engine})

	film, err := env.Engine.CreateMaterial(env.Ctx, engine.MaterialCreateOptions{ID: "film-roll", Name: "PPF film", Type: "film", Unit: "m", InitialStock: 30})
	if err != nil {
		t.Fatalf("create material: %v", err)
	}
	taskID := createScheduledTask(t, env)
	iv, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{
		TaskID:       taskID,
		TechnicianID: "tech-1",
		Materials:    []domain.InterventionMaterial{{MaterialID: film.ID, Quantity: 4.5}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completeAllSteps(t, env, iv.ID)
	if _, err := env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	env.Bus.Wait()

	m, _ := env.Engine.Repo.GetMaterial(env.Ctx, film.ID)
	if m.CurrentStock != 25.5 {
		t.Fatalf("stock = %v, want 25.5", m.CurrentStock)
	}
	moves, _ := env.Engine.Repo.ListMovements(env.Ctx, film.ID, 10)
	if len(moves) != 1 || moves[0].QtyDelta != -4.5 || moves[0].DocID != iv.ID {
		t.Fatalf("movements = %+v", moves)
	}
}

func TestFinalizeSucceedsWhenConsumptionFails(t *testing.T) {
	env := newTestEnv(t)
	env.Bus.Subscribe(inventory.Consumer{Materials: env.Engine.Repo, Stock: env.Engine})

	film, err := env.Engine.CreateMaterial(env.Ctx, engine.MaterialCreateOptions{ID: "film-roll", Name: "PPF film", Type: "film", Unit: "m", InitialStock: 5})
	if err != nil {
		t.Fatalf("create material: %v", err)
	}
	taskID := createScheduledTask(t, env)
	iv, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{
		TaskID:       taskID,
		TechnicianID: "tech-1",
		Materials:    []domain.InterventionMaterial{{MaterialID: film.ID, Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	completeAllSteps(t, env, iv.ID)
	// the handler will fail, finalize must still report success
	fin, err := env.Engine.FinalizeIntervention(env.Ctx, engine.FinalizeInterventionOptions{ID: iv.ID})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if fin.Status != "finalized" {
		t.Fatalf("intervention status = %s", fin.Status)
	}
	env.Bus.Wait()
	m, _ := env.Engine.Repo.GetMaterial(env.Ctx, film.ID)
	if m.CurrentStock != 5 {
		t.Fatalf("stock = %v, want untouched 5", m.CurrentStock)
	}
}

func TestDeleteInterventionRevertsTask(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	iv, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.Engine.DeleteIntervention(env.Ctx, iv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, taskID)
	if task.Status != "scheduled" {
		t.Fatalf("task status = %s, want scheduled", task.Status)
	}
	if _, err := env.Engine.Repo.GetIntervention(env.Ctx, iv.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("intervention still present: %v", err)
	}
	steps, _ := env.Engine.Repo.ListSteps(env.Ctx, iv.ID)
	if len(steps) != 0 {
		t.Fatalf("orphan steps left: %d", len(steps))
	}
}

func TestDeleteTaskWithActiveInterventionRejected(t *testing.T) {
	env := newTestEnv(t)
	taskID := createScheduledTask(t, env)
	if _, _, err := env.Engine.StartIntervention(env.Ctx, engine.StartInterventionOptions{TaskID: taskID, TechnicianID: "tech-1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	var aie engine.ActiveInterventionError
	if err := env.Engine.DeleteTask(env.Ctx, taskID); !errors.As(err, &aie) {
		t.Fatalf("expected ActiveInterventionError, got %v", err)
	}
}

func TestAdjustStock(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMaterial(env.Ctx, engine.MaterialCreateOptions{Name: "Squeegee", Type: "tool", Unit: "pc", InitialStock: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := env.Engine.AdjustStock(env.Ctx, m.ID, -2, "manual", "", "damaged")
	if err != nil || got.CurrentStock != 3 {
		t.Fatalf("adjust: %v stock=%v", err, got.CurrentStock)
	}
	// driving below zero is rejected and leaves both level and ledger alone
	_, err = env.Engine.AdjustStock(env.Ctx, m.ID, -10, "manual", "", "")
	var ise inventory.InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if ise.Current != 3 || ise.Delta != -10 {
		t.Fatalf("error detail = %+v", ise)
	}
	after, _ := env.Engine.Repo.GetMaterial(env.Ctx, m.ID)
	if after.CurrentStock != 3 {
		t.Fatalf("stock = %v, want 3", after.CurrentStock)
	}
	moves, _ := env.Engine.Repo.ListMovements(env.Ctx, m.ID, 10)
	if len(moves) != 1 {
		t.Fatalf("movements = %d, want 1", len(moves))
	}
	recon, err := env.Engine.ReconcileStock(env.Ctx)
	if err != nil || len(recon) != 1 {
		t.Fatalf("reconcile: %v", err)
	}
	// initial stock of 5 was set outside the ledger
	if recon[0].LedgerSum != -2 || recon[0].Divergence != 5 {
		t.Fatalf("reconciliation = %+v", recon[0])
	}
}
