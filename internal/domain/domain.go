package domain

type Client struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	VehiclePlate string `json:"vehicle_plate,omitempty"`
	VehicleModel string `json:"vehicle_model,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Status         string  `json:"status" enum:"quote,scheduled,in_progress,paused,completed,cancelled,on_hold,archived,failed,overdue,assigned,pending"`
	Priority       *int    `json:"priority,omitempty"`
	TechnicianID   *string `json:"technician_id,omitempty"`
	ClientID       *string `json:"client_id,omitempty"`
	Workflow       string  `json:"workflow,omitempty"`
	ScheduledStart *string `json:"scheduled_start,omitempty" format:"date-time"`
	ScheduledEnd   *string `json:"scheduled_end,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	DeletedAt      *string `json:"deleted_at,omitempty" format:"date-time"`
}

// TaskHistory is an append-only record of one status change. Rows are never
// updated or deleted.
type TaskHistory struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
	ChangedAt string `json:"changed_at" format:"date-time"`
}

type Intervention struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status" enum:"started,active,finalized,cancelled"`
	TechnicianID string  `json:"technician_id"`
	Observations string  `json:"observations,omitempty"`
	Photos       int     `json:"photos"`
	Satisfaction *int    `json:"satisfaction,omitempty"`
	Quality      *int    `json:"quality,omitempty"`
	Signature    *string `json:"signature,omitempty"`
	StartedAt    string  `json:"started_at" format:"date-time"`
	FinalizedAt  *string `json:"finalized_at,omitempty" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type InterventionStep struct {
	ID             int64   `json:"id"`
	InterventionID string  `json:"intervention_id"`
	SortOrder      int     `json:"sort_order"`
	Name           string  `json:"name"`
	Mandatory      bool    `json:"mandatory"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	Notes          string  `json:"notes,omitempty"`
}

type Material struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Unit         string  `json:"unit"`
	CurrentStock float64 `json:"current_stock"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// InterventionMaterial is the planned consumption of one material by one
// intervention.
type InterventionMaterial struct {
	InterventionID string  `json:"intervention_id"`
	MaterialID     string  `json:"material_id"`
	Quantity       float64 `json:"quantity"`
}

// InventoryMovement is one row of the append-only stock ledger. DocType and
// DocID reference whatever caused the delta (an intervention, a manual
// adjustment).
type InventoryMovement struct {
	ID         int64   `json:"id"`
	MaterialID string  `json:"material_id"`
	QtyDelta   float64 `json:"qty_delta"`
	DocType    string  `json:"doc_type"`
	DocID      string  `json:"doc_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}
