package server

import (
	"filmdesk/internal/config"
	"filmdesk/internal/domain"
	"filmdesk/internal/engine"
)

// Request payloads

type CreateClientRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	Phone        string  `json:"phone,omitempty"`
	Email        string  `json:"email,omitempty"`
	VehiclePlate string  `json:"vehicle_plate,omitempty"`
	VehicleModel string  `json:"vehicle_model,omitempty"`
}

type CreateTaskRequest struct {
	ID             *string `json:"id,omitempty"`
	Title          string  `json:"title"`
	Priority       *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	TechnicianID   *string `json:"technician_id,omitempty"`
	ClientID       *string `json:"client_id,omitempty"`
	Workflow       string  `json:"workflow,omitempty"`
	ScheduledStart *string `json:"scheduled_start,omitempty" format:"date-time"`
	ScheduledEnd   *string `json:"scheduled_end,omitempty" format:"date-time"`
}

type UpdateTaskRequest struct {
	Title          *string `json:"title,omitempty"`
	Priority       *int    `json:"priority,omitempty" minimum:"1" maximum:"5"`
	TechnicianID   *string `json:"technician_id,omitempty"`
	ClientID       *string `json:"client_id,omitempty"`
	ScheduledStart *string `json:"scheduled_start,omitempty" format:"date-time"`
	ScheduledEnd   *string `json:"scheduled_end,omitempty" format:"date-time"`
}

type TransitionTaskRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type StepSpecRequest struct {
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory,omitempty"`
}

type PlannedMaterialRequest struct {
	MaterialID string  `json:"material_id"`
	Quantity   float64 `json:"quantity"`
}

type StartInterventionRequest struct {
	TechnicianID string                   `json:"technician_id"`
	Workflow     string                   `json:"workflow,omitempty"`
	Steps        []StepSpecRequest        `json:"steps,omitempty"`
	Materials    []PlannedMaterialRequest `json:"materials,omitempty"`
	Observations string                   `json:"observations,omitempty"`
}

type UpdateInterventionRequest struct {
	Observations *string                  `json:"observations,omitempty"`
	Photos       *int                     `json:"photos,omitempty" minimum:"0"`
	CompleteStep int64                    `json:"complete_step,omitempty"`
	StepNotes    string                   `json:"step_notes,omitempty"`
	Materials    []PlannedMaterialRequest `json:"materials,omitempty"`
}

type FinalizeInterventionRequest struct {
	Observations string `json:"observations,omitempty"`
	Photos       int    `json:"photos,omitempty" minimum:"0"`
	Satisfaction *int   `json:"satisfaction,omitempty" minimum:"1" maximum:"5"`
	Quality      *int   `json:"quality,omitempty" minimum:"1" maximum:"5"`
	Signature    string `json:"signature,omitempty"`
}

type CreateMaterialRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	Type         string  `json:"type,omitempty"`
	Unit         string  `json:"unit"`
	InitialStock float64 `json:"initial_stock,omitempty" minimum:"0"`
}

type AdjustStockRequest struct {
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason,omitempty"`
}

// Response payloads

type TaskTransitionResponse struct {
	Task     domain.Task `json:"task"`
	Warnings []string    `json:"warnings,omitempty"`
}

type InterventionResponse struct {
	domain.Intervention
	Steps []domain.InterventionStep `json:"steps,omitempty"`
}

func interventionResponse(iv domain.Intervention, steps []domain.InterventionStep) InterventionResponse {
	return InterventionResponse{Intervention: iv, Steps: steps}
}

func stepSpecs(in []StepSpecRequest) []config.StepSpec {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.StepSpec, len(in))
	for i, s := range in {
		out[i] = config.StepSpec{Name: s.Name, Mandatory: s.Mandatory}
	}
	return out
}

func plannedMaterials(in []PlannedMaterialRequest) []domain.InterventionMaterial {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.InterventionMaterial, len(in))
	for i, m := range in {
		out[i] = domain.InterventionMaterial{MaterialID: m.MaterialID, Quantity: m.Quantity}
	}
	return out
}

func transitionResponse(res engine.TaskTransitionResult) TaskTransitionResponse {
	return TaskTransitionResponse{Task: res.Task, Warnings: res.Warnings}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
