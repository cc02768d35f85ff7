package repo

import (
	"context"
	"database/sql"

	"filmdesk/internal/domain"
)

const interventionColumns = `id,task_id,status,technician_id,COALESCE(observations,''),photos,satisfaction,quality,signature,started_at,finalized_at,updated_at`

func scanIntervention(scan func(dest ...any) error) (domain.Intervention, error) {
	var iv domain.Intervention
	var satisfaction, quality sql.NullInt64
	var signature, finalized sql.NullString
	err := scan(&iv.ID, &iv.TaskID, &iv.Status, &iv.TechnicianID, &iv.Observations, &iv.Photos,
		&satisfaction, &quality, &signature, &iv.StartedAt, &finalized, &iv.UpdatedAt)
	if err == sql.ErrNoRows {
		return iv, ErrNotFound
	}
	if err != nil {
		return iv, err
	}
	if satisfaction.Valid {
		v := int(satisfaction.Int64)
		iv.Satisfaction = &v
	}
	if quality.Valid {
		v := int(quality.Int64)
		iv.Quality = &v
	}
	iv.Signature = nullToPtr(signature)
	iv.FinalizedAt = nullToPtr(finalized)
	return iv, nil
}

func (r Repo) InsertIntervention(ctx context.Context, iv domain.Intervention) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO interventions(id,task_id,status,technician_id,observations,photos,started_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		iv.ID, iv.TaskID, iv.Status, iv.TechnicianID, nullable(iv.Observations), iv.Photos, iv.StartedAt, iv.UpdatedAt)
	return err
}

func (r Repo) GetIntervention(ctx context.Context, id string) (domain.Intervention, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE id=?`, id)
	return scanIntervention(row.Scan)
}

// ActiveInterventionByTask returns the task's single non-terminal
// intervention, if any.
func (r Repo) ActiveInterventionByTask(ctx context.Context, taskID string) (domain.Intervention, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE task_id=? AND status IN ('started','active')`, taskID)
	return scanIntervention(row.Scan)
}

func (r Repo) ListInterventionsByTask(ctx context.Context, taskID string) ([]domain.Intervention, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+interventionColumns+` FROM interventions WHERE task_id=? ORDER BY started_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, iv)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInterventionData(ctx context.Context, iv domain.Intervention) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE interventions SET observations=?, photos=?, updated_at=? WHERE id=?`,
		nullable(iv.Observations), iv.Photos, iv.UpdatedAt, iv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeInterventionTx writes the terminal state plus the collected
// finalization data inside the caller's transaction.
func (r Repo) FinalizeInterventionTx(ctx context.Context, tx *sql.Tx, iv domain.Intervention) error {
	res, err := tx.ExecContext(ctx, `UPDATE interventions SET status=?, observations=?, photos=?, satisfaction=?, quality=?, signature=?, finalized_at=?, updated_at=? WHERE id=?`,
		iv.Status, nullable(iv.Observations), iv.Photos, intPtrToNull(iv.Satisfaction), intPtrToNull(iv.Quality),
		ptrToNull(iv.Signature), ptrToNull(iv.FinalizedAt), iv.UpdatedAt, iv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteIntervention(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM interventions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- steps ---

func (r Repo) InsertStep(ctx context.Context, s domain.InterventionStep) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO intervention_steps(intervention_id,sort_order,name,mandatory,notes) VALUES (?,?,?,?,?)`,
		s.InterventionID, s.SortOrder, s.Name, boolToInt(s.Mandatory), nullable(s.Notes))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListSteps(ctx context.Context, interventionID string) ([]domain.InterventionStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,intervention_id,sort_order,name,mandatory,completed_at,COALESCE(notes,'') FROM intervention_steps WHERE intervention_id=? ORDER BY sort_order`, interventionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InterventionStep
	for rows.Next() {
		var s domain.InterventionStep
		var mandatory int
		var completed sql.NullString
		if err := rows.Scan(&s.ID, &s.InterventionID, &s.SortOrder, &s.Name, &mandatory, &completed, &s.Notes); err != nil {
			return nil, err
		}
		s.Mandatory = mandatory != 0
		s.CompletedAt = nullToPtr(completed)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CompleteStep(ctx context.Context, stepID int64, completedAt, notes string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE intervention_steps SET completed_at=?, notes=COALESCE(?,notes) WHERE id=?`,
		completedAt, nullable(notes), stepID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSteps(ctx context.Context, interventionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM intervention_steps WHERE intervention_id=?`, interventionID)
	return err
}

// --- planned materials ---

func (r Repo) UpsertInterventionMaterial(ctx context.Context, m domain.InterventionMaterial) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO intervention_materials(intervention_id,material_id,quantity) VALUES (?,?,?)
ON CONFLICT(intervention_id,material_id) DO UPDATE SET quantity=excluded.quantity`,
		m.InterventionID, m.MaterialID, m.Quantity)
	return err
}

func (r Repo) ListInterventionMaterials(ctx context.Context, interventionID string) ([]domain.InterventionMaterial, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT intervention_id,material_id,quantity FROM intervention_materials WHERE intervention_id=? ORDER BY material_id`, interventionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InterventionMaterial
	for rows.Next() {
		var m domain.InterventionMaterial
		if err := rows.Scan(&m.InterventionID, &m.MaterialID, &m.Quantity); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) DeleteInterventionMaterials(ctx context.Context, interventionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM intervention_materials WHERE intervention_id=?`, interventionID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
