package handler

import (
	"context"
	"errors"
	"net"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/videopose/posekeys/internal/model"
	"github.com/videopose/posekeys/pkg/response"
)

// RunStore reads persisted run progress
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	GetItem(ctx context.Context, runID string, id model.Identity) (*model.ItemReport, error)
	ListItems(ctx context.Context, runID string) ([]model.ItemReport, error)
}

type StatusHandler struct {
	store     RunStore
	validator *validator.Validate
}

func NewStatusHandler(store RunStore, v *validator.Validate) *StatusHandler {
	return &StatusHandler{
		store:     store,
		validator: v,
	}
}

type runParams struct {
	RunID string `validate:"required,uuid"`
}

type itemsQuery struct {
	Status string `query:"status" validate:"omitempty,oneof=done skip fail"`
}

// RunItems wraps the item list of a run
type RunItems struct {
	RunID string             `json:"runId"`
	Items []model.ItemReport `json:"items"`
}

// Run handles GET /api/runs/:runId
func (h *StatusHandler) Run(c *fiber.Ctx) error {
	params := runParams{RunID: c.Params("runId")}
	if err := h.validator.Struct(&params); err != nil {
		return response.ValidationError(c, "Invalid run ID", formatValidationErrors(err))
	}

	run, err := h.store.GetRun(c.Context(), params.RunID)
	if err != nil {
		return h.storeError(c, err, "Run not found")
	}

	return response.OK(c, run)
}

// Items handles GET /api/runs/:runId/items
func (h *StatusHandler) Items(c *fiber.Ctx) error {
	params := runParams{RunID: c.Params("runId")}
	if err := h.validator.Struct(&params); err != nil {
		return response.ValidationError(c, "Invalid run ID", formatValidationErrors(err))
	}

	var query itemsQuery
	if err := c.QueryParser(&query); err != nil {
		return response.ValidationError(c, "Invalid query", nil)
	}
	if err := h.validator.Struct(&query); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	items, err := h.store.ListItems(c.Context(), params.RunID)
	if err != nil {
		return h.storeError(c, err, "Run not found")
	}

	if query.Status != "" {
		filtered := items[:0]
		for _, item := range items {
			if string(item.Status) == query.Status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	return response.OK(c, RunItems{RunID: params.RunID, Items: items})
}

// Item handles GET /api/runs/:runId/items/:identity
func (h *StatusHandler) Item(c *fiber.Ctx) error {
	params := runParams{RunID: c.Params("runId")}
	if err := h.validator.Struct(&params); err != nil {
		return response.ValidationError(c, "Invalid run ID", formatValidationErrors(err))
	}

	identity := c.Params("identity")
	if identity == "" {
		return response.ValidationError(c, "Identity is required", nil)
	}

	item, err := h.store.GetItem(c.Context(), params.RunID, model.Identity(identity))
	if err != nil {
		return h.storeError(c, err, "Item not found")
	}

	return response.OK(c, item)
}

func (h *StatusHandler) storeError(c *fiber.Ctx, err error, notFound string) error {
	if errors.Is(err, model.ErrNotFound) {
		return response.NotFound(c, notFound)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return response.Unavailable(c, "Progress store unavailable")
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
