package adjustments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/carvery-erp/carvery-erp/internal/inventory"
	"github.com/carvery-erp/carvery-erp/internal/platform/httpx"
	"github.com/carvery-erp/carvery-erp/internal/shared"
)

// WorkflowService defines the service contract used by the handler.
type WorkflowService interface {
	Create(ctx context.Context, input CreateInput) (Adjustment, error)
	UpdateItems(ctx context.Context, id int64, inputs []ItemInput, actorID int64) (Adjustment, error)
	Approve(ctx context.Context, id, approverID int64, note string) (Adjustment, error)
	Apply(ctx context.Context, id, applierID int64) (Adjustment, error)
	Cancel(ctx context.Context, id, actorID int64, note string) (Adjustment, error)
	Get(ctx context.Context, id int64) (Adjustment, error)
	List(ctx context.Context, f Filter) ([]Adjustment, error)
	ApprovalHistory(ctx context.Context, id int64) ([]shared.ApprovalLog, error)
}

// Handler serves the adjustment workflow HTTP API.
type Handler struct {
	logger   *slog.Logger
	service  WorkflowService
	validate *validator.Validate
}

// NewHandler constructs the adjustments HTTP handler.
func NewHandler(logger *slog.Logger, service WorkflowService) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers adjustment endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/adjustments", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/approvals", h.handleApprovals)
		r.Put("/{id}/items", h.handleUpdateItems)
		r.Post("/{id}/approve", h.handleApprove)
		r.Post("/{id}/apply", h.handleApply)
		r.Post("/{id}/cancel", h.handleCancel)
	})
}

type itemRequest struct {
	LotID       int64   `json:"lot_id" validate:"required,gt=0"`
	PhysicalQty float64 `json:"physical_qty" validate:"gte=0"`
}

type createRequest struct {
	WarehouseID    int64         `json:"warehouse_id" validate:"required,gt=0"`
	Type           string        `json:"type" validate:"required,oneof=PHYSICAL_COUNT DAMAGE LOSS CORRECTION"`
	AdjustmentDate *time.Time    `json:"adjustment_date"`
	Reason         string        `json:"reason" validate:"required,max=500"`
	Notes          string        `json:"notes" validate:"max=500"`
	ActorID        int64         `json:"actor_id" validate:"required,gt=0"`
	Items          []itemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.bind(w, r, &req) {
		return
	}
	input := CreateInput{
		WarehouseID: req.WarehouseID,
		Type:        AdjustmentType(req.Type),
		Reason:      req.Reason,
		Notes:       req.Notes,
		CreatedBy:   req.ActorID,
		Items:       toItemInputs(req.Items),
	}
	if req.AdjustmentDate != nil {
		input.AdjustmentDate = *req.AdjustmentDate
	}
	adj, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, "create adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, adj)
}

type updateItemsRequest struct {
	ActorID int64         `json:"actor_id" validate:"required,gt=0"`
	Items   []itemRequest `json:"items" validate:"required,min=1,dive"`
}

func (h *Handler) handleUpdateItems(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateItemsRequest
	if !h.bind(w, r, &req) {
		return
	}
	adj, err := h.service.UpdateItems(r.Context(), id, toItemInputs(req.Items), req.ActorID)
	if err != nil {
		h.respondError(w, "update adjustment items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

type actionRequest struct {
	ActorID int64  `json:"actor_id" validate:"required,gt=0"`
	Note    string `json:"note" validate:"max=500"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, "approve adjustment", func(ctx context.Context, id int64, req actionRequest) (Adjustment, error) {
		return h.service.Approve(ctx, id, req.ActorID, req.Note)
	})
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, "apply adjustment", func(ctx context.Context, id int64, req actionRequest) (Adjustment, error) {
		return h.service.Apply(ctx, id, req.ActorID)
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, "cancel adjustment", func(ctx context.Context, id int64, req actionRequest) (Adjustment, error) {
		return h.service.Cancel(ctx, id, req.ActorID, req.Note)
	})
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, action string,
	op func(context.Context, int64, actionRequest) (Adjustment, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if !h.bind(w, r, &req) {
		return
	}
	adj, err := op(r.Context(), id, req)
	if err != nil {
		h.respondError(w, action, err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	adj, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID, _ := strconv.ParseInt(q.Get("warehouse_id"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := h.service.List(r.Context(), Filter{
		WarehouseID: warehouseID,
		Status:      Status(q.Get("status")),
		Type:        AdjustmentType(q.Get("type")),
		Limit:       limit,
	})
	if err != nil {
		h.respondError(w, "list adjustments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) handleApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	logs, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, "list approvals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, logs)
}

func toItemInputs(items []itemRequest) []ItemInput {
	inputs := make([]ItemInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, ItemInput{LotID: item.LotID, PhysicalQty: item.PhysicalQty})
	}
	return inputs
}

func (h *Handler) bind(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid adjustment id", "adjustment id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, inventory.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid state", err.Error())
	case errors.Is(err, inventory.ErrInsufficientStock), errors.Is(err, inventory.ErrLotNotAvailable),
		errors.Is(err, inventory.ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Stock conflict", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal error", "")
	}
}
