// Package inventory reacts to intervention finalization by recording
// material consumption, and owns the non-negative stock invariant.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log"

	"filmdesk/internal/bus"
	"filmdesk/internal/domain"
)

// InsufficientStockError rejects an adjustment that would drive stock below
// zero. It carries the current level and requested delta so callers can
// render an actionable message.
type InsufficientStockError struct {
	Current float64
	Delta   float64
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("stock %.3f cannot absorb delta %.3f", e.Current, e.Delta)
}

// EnsureNonNegativeStock returns current+delta, or an InsufficientStockError
// when the result would be negative.
func EnsureNonNegativeStock(current, delta float64) (float64, error) {
	next := current + delta
	if next < 0 {
		return 0, InsufficientStockError{Current: current, Delta: delta}
	}
	return next, nil
}

// MaterialSource yields the planned consumption of an intervention.
// repo.Repo satisfies it.
type MaterialSource interface {
	ListInterventionMaterials(ctx context.Context, interventionID string) ([]domain.InterventionMaterial, error)
}

// StockAdjuster applies one stock delta as its own unit of work.
// engine.Engine satisfies it.
type StockAdjuster interface {
	AdjustStock(ctx context.Context, materialID string, delta float64, docType, docID, reason string) (domain.Material, error)
}

// Consumer subscribes to InterventionFinalized and decrements stock for each
// planned material. Each material's adjustment is independent: a rejected
// one is logged and skipped, the rest still apply.
type Consumer struct {
	Materials MaterialSource
	Stock     StockAdjuster
}

func (c Consumer) ID() string { return "inventory-consumption" }

func (c Consumer) Handles() []bus.EventType {
	return []bus.EventType{bus.EventInterventionFinalized}
}

func (c Consumer) Handle(ctx context.Context, event *bus.Event) error {
	evt := event.InterventionFinalized
	if evt == nil {
		return errors.New("inventory: event payload missing")
	}
	planned, err := c.Materials.ListInterventionMaterials(ctx, evt.InterventionID)
	if err != nil {
		return fmt.Errorf("inventory: load materials for %s: %w", evt.InterventionID, err)
	}
	var failed int
	for _, m := range planned {
		if m.Quantity <= 0 {
			continue
		}
		if _, err := c.Stock.AdjustStock(ctx, m.MaterialID, -m.Quantity, "intervention", evt.InterventionID, ""); err != nil {
			log.Printf("inventory: consume %s for intervention %s: %v", m.MaterialID, evt.InterventionID, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("inventory: %d of %d consumptions failed for intervention %s", failed, len(planned), evt.InterventionID)
	}
	return nil
}
