package repo

import (
	"context"
	"database/sql"

	"filmdesk/internal/domain"
)

func (r Repo) InsertMaterial(ctx context.Context, m domain.Material) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO materials(id,name,type,unit,current_stock,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.Name, m.Type, m.Unit, m.CurrentStock, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMaterial(ctx context.Context, id string) (domain.Material, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,type,unit,current_stock,created_at,updated_at FROM materials WHERE id=?`, id)
	return scanMaterial(row.Scan)
}

// GetMaterialTx reads a material inside the caller's transaction so the
// stock check and the update see the same row.
func (r Repo) GetMaterialTx(ctx context.Context, tx *sql.Tx, id string) (domain.Material, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,name,type,unit,current_stock,created_at,updated_at FROM materials WHERE id=?`, id)
	return scanMaterial(row.Scan)
}

func scanMaterial(scan func(dest ...any) error) (domain.Material, error) {
	var m domain.Material
	err := scan(&m.ID, &m.Name, &m.Type, &m.Unit, &m.CurrentStock, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMaterials(ctx context.Context) ([]domain.Material, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,type,unit,current_stock,created_at,updated_at FROM materials ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Material
	for rows.Next() {
		m, err := scanMaterial(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStockTx(ctx context.Context, tx *sql.Tx, id string, newLevel float64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE materials SET current_stock=?, updated_at=? WHERE id=?`, newLevel, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMovementTx(ctx context.Context, tx *sql.Tx, mv domain.InventoryMovement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inventory_movements(material_id,qty_delta,doc_type,doc_id,reason,created_at) VALUES (?,?,?,?,?,?)`,
		mv.MaterialID, mv.QtyDelta, mv.DocType, nullable(mv.DocID), nullable(mv.Reason), mv.CreatedAt)
	return err
}

func (r Repo) ListMovements(ctx context.Context, materialID string, limit int) ([]domain.InventoryMovement, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,material_id,qty_delta,doc_type,COALESCE(doc_id,''),COALESCE(reason,''),created_at FROM inventory_movements WHERE material_id=? ORDER BY id DESC LIMIT ?`, materialID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryMovement
	for rows.Next() {
		var mv domain.InventoryMovement
		if err := rows.Scan(&mv.ID, &mv.MaterialID, &mv.QtyDelta, &mv.DocType, &mv.DocID, &mv.Reason, &mv.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, mv)
	}
	return res, rows.Err()
}

// SumMovements returns the net ledger delta for a material, for
// reconciliation against current_stock.
func (r Repo) SumMovements(ctx context.Context, materialID string) (float64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(qty_delta),0) FROM inventory_movements WHERE material_id=?`, materialID)
	var sum float64
	err := row.Scan(&sum)
	return sum, err
}
