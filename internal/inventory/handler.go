package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/carvery-erp/carvery-erp/internal/platform/httpx"
	"github.com/carvery-erp/carvery-erp/internal/shared"
)

// LotService defines the mutation contract used by the handler.
type LotService interface {
	CreateLot(ctx context.Context, input CreateLotInput) (Lot, error)
	Consume(ctx context.Context, input ConsumeInput) (Lot, Movement, error)
	Receive(ctx context.Context, input ReceiveInput) (Lot, Movement, error)
	Reserve(ctx context.Context, lotID int64, qty float64, actorID int64) (Lot, error)
	Release(ctx context.Context, lotID int64, qty float64, actorID int64) (Lot, error)
	Transfer(ctx context.Context, input TransferInput) (TransferResult, error)
	RecordWaste(ctx context.Context, input WasteInput) (WasteRecord, error)
	ListWasteRecords(ctx context.Context, warehouseID int64) ([]WasteRecord, error)
	GetLot(ctx context.Context, id int64) (Lot, error)
	ListLots(ctx context.Context, f LotFilter) ([]Lot, error)
	ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error)
}

// StockReader defines the read-side contract used by the handler.
type StockReader interface {
	CurrentStock(ctx context.Context, filter StockFilter) ([]StockSummary, error)
}

// Handler serves the inventory HTTP API.
type Handler struct {
	logger   *slog.Logger
	service  LotService
	stock    StockReader
	validate *validator.Validate
}

// NewHandler constructs the inventory HTTP handler.
func NewHandler(logger *slog.Logger, service LotService, stock StockReader) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		stock:    stock,
		validate: validator.New(),
	}
}

// MountRoutes registers inventory endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Route("/inventory", func(r chi.Router) {
		r.Post("/lots", h.handleCreateLot)
		r.Get("/lots", h.handleListLots)
		r.Get("/lots/{id}", h.handleGetLot)
		r.Get("/lots/{id}/movements", h.handleLotMovements)
		r.Post("/lots/{id}/consume", h.handleConsume)
		r.Post("/lots/{id}/receive", h.handleReceive)
		r.Post("/lots/{id}/reserve", h.handleReserve)
		r.Post("/lots/{id}/release", h.handleRelease)
		r.Post("/transfers", h.handleTransfer)
		r.Post("/waste", h.handleWaste)
		r.Get("/waste", h.handleListWaste)
		r.Get("/stock", h.handleStock)
		r.Get("/movements", h.handleMovements)
	})
}

type createLotRequest struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	WarehouseID    int64           `json:"warehouse_id" validate:"required,gt=0"`
	LotNumber      string          `json:"lot_number" validate:"max=64"`
	Qty            float64         `json:"qty" validate:"required,gt=0"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	ProductionDate *time.Time      `json:"production_date"`
	ExpiryDate     *time.Time      `json:"expiry_date"`
	MovementType   string          `json:"movement_type" validate:"omitempty,oneof=INITIAL PURCHASE TRANSFER"`
	RefType        string          `json:"ref_type" validate:"max=32"`
	RefID          string          `json:"ref_id" validate:"max=64"`
	ActorID        int64           `json:"actor_id" validate:"required,gt=0"`
	Notes          string          `json:"notes" validate:"max=500"`
}

func (h *Handler) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if !h.bind(w, r, &req) {
		return
	}
	lot, err := h.service.CreateLot(r.Context(), CreateLotInput{
		ProductID:      req.ProductID,
		WarehouseID:    req.WarehouseID,
		LotNumber:      req.LotNumber,
		Qty:            req.Qty,
		UnitCost:       req.UnitCost,
		ProductionDate: req.ProductionDate,
		ExpiryDate:     req.ExpiryDate,
		MovementType:   MovementType(req.MovementType),
		RefType:        req.RefType,
		RefID:          req.RefID,
		ActorID:        req.ActorID,
		Notes:          req.Notes,
	})
	if err != nil {
		h.respondError(w, "create lot", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

type consumeRequest struct {
	Qty          float64          `json:"qty" validate:"required,gt=0"`
	MovementType string           `json:"movement_type" validate:"required,oneof=SALE TRANSFER WASTE"`
	RefType      string           `json:"ref_type" validate:"max=32"`
	RefID        string           `json:"ref_id" validate:"max=64"`
	ActorID      int64            `json:"actor_id" validate:"required,gt=0"`
	UnitCost     *decimal.Decimal `json:"unit_cost"`
	Notes        string           `json:"notes" validate:"max=500"`
}

type lotMovementResponse struct {
	Lot      Lot      `json:"lot"`
	Movement Movement `json:"movement"`
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req consumeRequest
	if !h.bind(w, r, &req) {
		return
	}
	lot, movement, err := h.service.Consume(r.Context(), ConsumeInput{
		LotID:        lotID,
		Qty:          req.Qty,
		MovementType: MovementType(req.MovementType),
		RefType:      req.RefType,
		RefID:        req.RefID,
		ActorID:      req.ActorID,
		UnitCost:     req.UnitCost,
		Notes:        req.Notes,
	})
	if err != nil {
		h.respondError(w, "consume lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotMovementResponse{Lot: lot, Movement: movement})
}

type receiveRequest struct {
	Qty          float64 `json:"qty" validate:"required,gt=0"`
	MovementType string  `json:"movement_type" validate:"required,oneof=PURCHASE TRANSFER"`
	RefType      string  `json:"ref_type" validate:"max=32"`
	RefID        string  `json:"ref_id" validate:"max=64"`
	ActorID      int64   `json:"actor_id" validate:"required,gt=0"`
	Notes        string  `json:"notes" validate:"max=500"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !h.bind(w, r, &req) {
		return
	}
	lot, movement, err := h.service.Receive(r.Context(), ReceiveInput{
		LotID:        lotID,
		Qty:          req.Qty,
		MovementType: MovementType(req.MovementType),
		RefType:      req.RefType,
		RefID:        req.RefID,
		ActorID:      req.ActorID,
		Notes:        req.Notes,
	})
	if err != nil {
		h.respondError(w, "receive into lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lotMovementResponse{Lot: lot, Movement: movement})
}

type reservationRequest struct {
	Qty     float64 `json:"qty" validate:"required,gt=0"`
	ActorID int64   `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	h.handleReservation(w, r, h.service.Reserve, "reserve lot")
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.handleReservation(w, r, h.service.Release, "release lot")
}

func (h *Handler) handleReservation(w http.ResponseWriter, r *http.Request,
	op func(context.Context, int64, float64, int64) (Lot, error), action string) {
	lotID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reservationRequest
	if !h.bind(w, r, &req) {
		return
	}
	lot, err := op(r.Context(), lotID, req.Qty, req.ActorID)
	if err != nil {
		h.respondError(w, action, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}

type transferRequest struct {
	SourceWarehouseID      int64   `json:"source_warehouse_id" validate:"required,gt=0"`
	DestinationWarehouseID int64   `json:"destination_warehouse_id" validate:"required,gt=0"`
	ProductID              int64   `json:"product_id"`
	LotID                  int64   `json:"lot_id" validate:"required,gt=0"`
	Qty                    float64 `json:"qty" validate:"required,gt=0"`
	ActorID                int64   `json:"actor_id" validate:"required,gt=0"`
	Notes                  string  `json:"notes" validate:"max=500"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.bind(w, r, &req) {
		return
	}
	result, err := h.service.Transfer(r.Context(), TransferInput{
		SourceWarehouseID:      req.SourceWarehouseID,
		DestinationWarehouseID: req.DestinationWarehouseID,
		ProductID:              req.ProductID,
		LotID:                  req.LotID,
		Qty:                    req.Qty,
		ActorID:                req.ActorID,
		Notes:                  req.Notes,
	})
	if err != nil {
		h.respondError(w, "transfer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type wasteRequest struct {
	WarehouseID   int64      `json:"warehouse_id"`
	ProductID     int64      `json:"product_id"`
	LotID         int64      `json:"lot_id" validate:"required,gt=0"`
	Type          string     `json:"type" validate:"required,oneof=EXPIRY DAMAGE THEFT TEMPERATURE QUALITY OTHER"`
	Qty           float64    `json:"qty" validate:"required,gt=0"`
	Reason        string     `json:"reason" validate:"required,max=500"`
	WasteDate     *time.Time `json:"waste_date"`
	ResponsibleID int64      `json:"responsible_id"`
	ActorID       int64      `json:"actor_id" validate:"required,gt=0"`
	PhotoURL      string     `json:"photo_url" validate:"omitempty,url"`
}

func (h *Handler) handleWaste(w http.ResponseWriter, r *http.Request) {
	var req wasteRequest
	if !h.bind(w, r, &req) {
		return
	}
	input := WasteInput{
		WarehouseID:   req.WarehouseID,
		ProductID:     req.ProductID,
		LotID:         req.LotID,
		Type:          WasteType(req.Type),
		Qty:           req.Qty,
		Reason:        req.Reason,
		ResponsibleID: req.ResponsibleID,
		ActorID:       req.ActorID,
		PhotoURL:      req.PhotoURL,
	}
	if req.WasteDate != nil {
		input.WasteDate = *req.WasteDate
	}
	record, err := h.service.RecordWaste(r.Context(), input)
	if err != nil {
		h.respondError(w, "record waste", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, record)
}

func (h *Handler) handleListWaste(w http.ResponseWriter, r *http.Request) {
	warehouseID := queryInt64(r, "warehouse_id")
	records, err := h.service.ListWasteRecords(r.Context(), warehouseID)
	if err != nil {
		h.respondError(w, "list waste", err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	lot, err := h.service.GetLot(r.Context(), lotID)
	if err != nil {
		h.respondError(w, "get lot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lot)
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.service.ListLots(r.Context(), LotFilter{
		ProductID:   queryInt64(r, "product_id"),
		WarehouseID: queryInt64(r, "warehouse_id"),
		Status:      LotStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.respondError(w, "list lots", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) handleLotMovements(w http.ResponseWriter, r *http.Request) {
	lotID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	movements, err := h.service.ListMovements(r.Context(), MovementFilter{LotID: lotID})
	if err != nil {
		h.respondError(w, "list lot movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	f := MovementFilter{
		ProductID:   queryInt64(r, "product_id"),
		WarehouseID: queryInt64(r, "warehouse_id"),
		LotID:       queryInt64(r, "lot_id"),
		Type:        MovementType(r.URL.Query().Get("type")),
		Limit:       int(queryInt64(r, "limit")),
	}
	var ok bool
	if f.From, ok = queryTime(w, r, "from"); !ok {
		return
	}
	if f.To, ok = queryTime(w, r, "to"); !ok {
		return
	}
	movements, err := h.service.ListMovements(r.Context(), f)
	if err != nil {
		h.respondError(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.stock.CurrentStock(r.Context(), StockFilter{
		ProductID:   queryInt64(r, "product_id"),
		WarehouseID: queryInt64(r, "warehouse_id"),
	})
	if err != nil {
		h.respondError(w, "current stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, summaries)
}

// bind decodes and validates the request body, answering 400 on failure.
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
		httpx.Problem(w, http.StatusBadRequest, "Invalid lot id", "lot id must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, name string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return v
}

// queryTime parses an optional RFC 3339 query parameter, answering 400 on
// a value that does not parse.
func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", name+" must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return ts, true
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrLotNotAvailable):
		httpx.Problem(w, http.StatusConflict, "Stock conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate request", err.Error())
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrent update, retry", err.Error())
	default:
		h.logger.Error(action, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal error", "")
	}
}
