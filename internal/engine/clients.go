package engine

import (
	"context"

	"github.com/google/uuid"

	"filmdesk/internal/domain"
)

// ClientCreateOptions are parameters for registering a client.
type ClientCreateOptions struct {
	ID           string
	Name         string
	Phone        string
	Email        string
	VehiclePlate string
	VehicleModel string
}

func (e Engine) CreateClient(ctx context.Context, opts ClientCreateOptions) (domain.Client, error) {
	if opts.Name == "" {
		return domain.Client{}, ValidationError("name is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Client{
		ID:           id,
		Name:         opts.Name,
		Phone:        opts.Phone,
		Email:        opts.Email,
		VehiclePlate: opts.VehiclePlate,
		VehicleModel: opts.VehicleModel,
		CreatedAt:    e.nowStr(),
	}
	if err := e.Repo.InsertClient(ctx, c); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}
