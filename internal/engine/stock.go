package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"filmdesk/internal/domain"
	"filmdesk/internal/inventory"
)

// MaterialCreateOptions are parameters for registering a material.
type MaterialCreateOptions struct {
	ID           string
	Name         string
	Type         string
	Unit         string
	InitialStock float64
}

func (e Engine) CreateMaterial(ctx context.Context, opts MaterialCreateOptions) (domain.Material, error) {
	if opts.Name == "" {
		return domain.Material{}, ValidationError("name is required")
	}
	if opts.Unit == "" {
		return domain.Material{}, ValidationError("unit is required")
	}
	if opts.InitialStock < 0 {
		return domain.Material{}, inventory.InsufficientStockError{Current: 0, Delta: opts.InitialStock}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	m := domain.Material{
		ID:           id,
		Name:         opts.Name,
		Type:         opts.Type,
		Unit:         opts.Unit,
		CurrentStock: opts.InitialStock,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertMaterial(ctx, m); err != nil {
		return domain.Material{}, err
	}
	return m, nil
}

// AdjustStock applies a delta to a material's stock level, guarding the
// non-negative invariant and appending a ledger row, all in one unit of
// work. It satisfies inventory.StockAdjuster.
func (e Engine) AdjustStock(ctx context.Context, materialID string, delta float64, docType, docID, reason string) (domain.Material, error) {
	if materialID == "" {
		return domain.Material{}, ValidationError("material is required")
	}
	if docType == "" {
		docType = "manual"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Material{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMaterialTx(ctx, tx, materialID)
	if err != nil {
		return domain.Material{}, err
	}
	newLevel, err := inventory.EnsureNonNegativeStock(m.CurrentStock, delta)
	if err != nil {
		return m, fmt.Errorf("material %s: %w", materialID, err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStockTx(ctx, tx, materialID, newLevel, now); err != nil {
		return m, err
	}
	if err := e.Repo.InsertMovementTx(ctx, tx, domain.InventoryMovement{
		MaterialID: materialID,
		QtyDelta:   delta,
		DocType:    docType,
		DocID:      docID,
		Reason:     reason,
		CreatedAt:  now,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.CurrentStock = newLevel
	m.UpdatedAt = now
	return m, nil
}

// StockReconciliation compares the ledger's net delta with the stored level.
type StockReconciliation struct {
	Material   domain.Material `json:"material"`
	LedgerSum  float64         `json:"ledger_sum"`
	Divergence float64         `json:"divergence"`
}

// ReconcileStock reports, per material, how far current_stock has drifted
// from the movement ledger. Non-zero divergence means a delta was applied
// outside the ledger path (or an initial level was set at creation).
func (e Engine) ReconcileStock(ctx context.Context) ([]StockReconciliation, error) {
	materials, err := e.Repo.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	var res []StockReconciliation
	for _, m := range materials {
		sum, err := e.Repo.SumMovements(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, StockReconciliation{
			Material:   m,
			LedgerSum:  sum,
			Divergence: m.CurrentStock - sum,
		})
	}
	return res, nil
}

// LowStock returns materials at or below their configured threshold.
func (e Engine) LowStock(ctx context.Context) ([]domain.Material, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	materials, err := e.Repo.ListMaterials(ctx)
	if err != nil {
		return nil, err
	}
	var res []domain.Material
	for _, m := range materials {
		threshold, ok := e.Config.Inventory.LowStock[m.ID]
		if ok && m.CurrentStock <= threshold {
			res = append(res, m)
		}
	}
	return res, nil
}
