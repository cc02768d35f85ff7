package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"filmdesk/internal/config"
	"filmdesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- clients ---

func (r Repo) InsertClient(ctx context.Context, c domain.Client) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO clients(id,name,phone,email,vehicle_plate,vehicle_model,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Name, nullable(c.Phone), nullable(c.Email), nullable(c.VehiclePlate), nullable(c.VehicleModel), c.CreatedAt)
	return err
}

func (r Repo) GetClient(ctx context.Context, id string) (domain.Client, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(phone,''),COALESCE(email,''),COALESCE(vehicle_plate,''),COALESCE(vehicle_model,''),created_at FROM clients WHERE id=?`, id)
	var c domain.Client
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.VehiclePlate, &c.VehicleModel, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(phone,''),COALESCE(email,''),COALESCE(vehicle_plate,''),COALESCE(vehicle_model,''),created_at FROM clients ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.VehiclePlate, &c.VehicleModel, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- tasks ---

const taskColumns = `id,title,status,priority,technician_id,client_id,COALESCE(workflow,''),scheduled_start,scheduled_end,created_at,updated_at,deleted_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var priority sql.NullInt64
	var technician, client, schedStart, schedEnd, deleted sql.NullString
	err := scan(&t.ID, &t.Title, &t.Status, &priority, &technician, &client, &t.Workflow, &schedStart, &schedEnd, &t.CreatedAt, &t.UpdatedAt, &deleted)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	t.TechnicianID = nullToPtr(technician)
	t.ClientID = nullToPtr(client)
	t.ScheduledStart = nullToPtr(schedStart)
	t.ScheduledEnd = nullToPtr(schedEnd)
	t.DeletedAt = nullToPtr(deleted)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,title,status,priority,technician_id,client_id,workflow,scheduled_start,scheduled_end,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Status, intPtrToNull(t.Priority), ptrToNull(t.TechnicianID), ptrToNull(t.ClientID), nullable(t.Workflow),
		ptrToNull(t.ScheduledStart), ptrToNull(t.ScheduledEnd), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask excludes soft-deleted rows.
func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND deleted_at IS NULL`, id)
	return scanTask(row.Scan)
}

type TaskFilter struct {
	Status       string
	TechnicianID string
	ClientID     string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	where := []string{"deleted_at IS NULL"}
	var args []any
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.TechnicianID != "" {
		where = append(where, "technician_id=?")
		args = append(args, f.TechnicianID)
	}
	if f.ClientID != "" {
		where = append(where, "client_id=?")
		args = append(args, f.ClientID)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, id, st, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, st, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id, st, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, st, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTask mutates the schedulable fields; status changes go through the
// engine's transition path.
func (r Repo) UpdateTask(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET title=?, priority=?, technician_id=?, client_id=?, workflow=?, scheduled_start=?, scheduled_end=?, updated_at=? WHERE id=? AND deleted_at IS NULL`,
		t.Title, intPtrToNull(t.Priority), ptrToNull(t.TechnicianID), ptrToNull(t.ClientID), nullable(t.Workflow),
		ptrToNull(t.ScheduledStart), ptrToNull(t.ScheduledEnd), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SoftDeleteTask(ctx context.Context, id, deletedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, deletedAt, deletedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTaskHistory(ctx context.Context, taskID string) ([]domain.TaskHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,old_status,new_status,COALESCE(reason,''),changed_at FROM task_history WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHistory
	for rows.Next() {
		var h domain.TaskHistory
		if err := rows.Scan(&h.ID, &h.TaskID, &h.OldStatus, &h.NewStatus, &h.Reason, &h.ChangedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// --- shop config ---

func (r Repo) GetShopConfig(ctx context.Context, shopID string) (*config.Config, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT yaml FROM shop_config WHERE shop_id=?`, shopID)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

func (r Repo) UpsertShopConfig(ctx context.Context, shopID, updatedAt string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Shop.ID = shopID
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO shop_config(shop_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(shop_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, shopID, string(data), updatedAt)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ptrToNull(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtrToNull(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
