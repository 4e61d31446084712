package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"bounty-settlement/core/scheduler"
	"bounty-settlement/core/settlement"
	"bounty-settlement/models"
	"bounty-settlement/services"
)

const maxBodyBytes = 1 << 20

// BaseHandler provides common functionality for all handlers
type BaseHandler struct{}

// NewBaseHandler creates a new base handler
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// sendJSON sends a JSON response
func (h *BaseHandler) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// sendError sends an error response
func (h *BaseHandler) sendError(w http.ResponseWriter, statusCode int, code, message string) {
	h.sendJSON(w, statusCode, models.NewErrorResponse(code, message, statusCode))
}

// sendSuccess sends a success response
func (h *BaseHandler) sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.sendJSON(w, statusCode, models.NewSuccessResponse(data))
}

// sendStoreError maps pipeline errors onto HTTP statuses.
func (h *BaseHandler) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrTaskNotFound):
		h.sendError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, settlement.ErrInvalidTask), errors.Is(err, settlement.ErrInvalidSubmission):
		h.sendError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, settlement.ErrTaskExists), errors.Is(err, settlement.ErrDuplicateSubmission),
		errors.Is(err, settlement.ErrTaskNotOpen), errors.Is(err, settlement.ErrInvalidTransition):
		h.sendError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, settlement.ErrLedgerUnavailable):
		h.sendError(w, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
	default:
		h.sendError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// parseJSON parses JSON from request
func (h *BaseHandler) parseJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// HealthHandler handles health check requests
type HealthHandler struct {
	*BaseHandler
	healthService *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(healthService *services.HealthService) *HealthHandler {
	return &HealthHandler{
		BaseHandler:   NewBaseHandler(),
		healthService: healthService,
	}
}

// HandleHealth reports dependency health; a failing check yields 503.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.healthService.GetHealthStatus(r.Context())
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, models.NewSuccessResponse(health))
}

// Pipeline is the scheduler surface exposed to collaborators.
type Pipeline interface {
	OnTaskCreated(task settlement.Task)
	CancelTask(ctx context.Context, taskID string) (bool, error)
	GetTaskStatus(ctx context.Context, taskID string) (scheduler.TaskStatus, error)
	Stats(ctx context.Context) (settlement.Stats, error)
	ListStalled(ctx context.Context) ([]settlement.Task, error)
	RetryTask(ctx context.Context, taskID string) error
}

// AddressValidator checks wallet addresses against the ledger's network.
type AddressValidator interface {
	ValidateAddress(addr string) error
}

// LockVerifier checks that a LOCK transaction funds the escrow address.
type LockVerifier interface {
	VerifyLock(ctx context.Context, txid, escrowAddress string, minSats int64) error
}

// SettlementHandler serves the collaborator and operator API.
type SettlementHandler struct {
	*BaseHandler
	store         settlement.Store
	pipeline      Pipeline
	addresses     AddressValidator
	locks         LockVerifier
	escrowAddress string
	logger        *slog.Logger
}

// NewSettlementHandler wires the settlement API. addresses may be nil.
func NewSettlementHandler(store settlement.Store, pipeline Pipeline, addresses AddressValidator, logger *slog.Logger) *SettlementHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementHandler{
		BaseHandler: NewBaseHandler(),
		store:       store,
		pipeline:    pipeline,
		addresses:   addresses,
		logger:      logger.With("component", "handlers"),
	}
}

// VerifyLocks makes task creation check the lock transaction against the
// escrow address.
func (h *SettlementHandler) VerifyLocks(v LockVerifier, escrowAddress string) *SettlementHandler {
	h.locks = v
	h.escrowAddress = escrowAddress
	return h
}

func (h *SettlementHandler) validWallet(w http.ResponseWriter, field, addr string) bool {
	if h.addresses == nil || addr == "" {
		return true
	}
	if err := h.addresses.ValidateAddress(addr); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("%s: %v", field, err))
		return false
	}
	return true
}

// HandleCreateTask registers a task whose reward is already locked in escrow
// and schedules its deadline.
func (h *SettlementHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.CreateTaskRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	task := req.Task()
	if err := task.Validate(); err != nil {
		h.sendStoreError(w, err)
		return
	}
	if !h.validWallet(w, "creator_wallet", task.CreatorWallet) {
		return
	}
	if h.locks != nil {
		if err := h.locks.VerifyLock(r.Context(), task.EscrowLockTx, h.escrowAddress, task.RewardSats); err != nil {
			h.logger.Warn("escrow lock rejected", "task_id", task.TaskID, "lock_tx", task.EscrowLockTx, "error", err)
			h.sendStoreError(w, err)
			return
		}
	}
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		h.sendStoreError(w, err)
		return
	}
	created, err := h.store.GetTask(r.Context(), task.TaskID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.pipeline.OnTaskCreated(created)
	h.logger.Info("task registered", "task_id", created.TaskID, "deadline", created.Deadline, "reward_sats", created.RewardSats)
	h.sendSuccess(w, http.StatusCreated, created)
}

// HandleCreateSubmission accepts an entry while the task is OPEN.
func (h *SettlementHandler) HandleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	var req models.CreateSubmissionRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	sub := req.Submission(taskID)
	if err := sub.Validate(); err != nil {
		h.sendStoreError(w, err)
		return
	}
	if !h.validWallet(w, "submitter_wallet", sub.SubmitterWallet) {
		return
	}
	created, err := h.store.CreateSubmission(r.Context(), sub)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, created)
}

// HandleCancelTask cancels an OPEN task. A task that already moved on is
// reported with 409 and its current status.
func (h *SettlementHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	cancelled, err := h.pipeline.CancelTask(r.Context(), taskID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	task, err := h.store.GetTask(r.Context(), taskID)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	resp := models.CancelResponse{TaskID: taskID, Cancelled: cancelled, Status: task.Status}
	if !cancelled {
		h.sendJSON(w, http.StatusConflict, &models.APIResponse{
			Success: false,
			Data:    resp,
			Error:   &models.ErrorResponse{Error: "conflict", Message: "task is no longer open", Code: http.StatusConflict},
		})
		return
	}
	h.sendSuccess(w, http.StatusOK, resp)
}

func (h *SettlementHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := h.pipeline.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, status)
}

// HandleListTasks lists tasks, optionally filtered by ?status= and ?limit=.
func (h *SettlementHandler) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := settlement.TaskFilter{Status: settlement.Status(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "unknown status "+string(filter.Status))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.sendError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	tasks, err := h.store.ListTasks(r.Context(), filter)
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, models.NewSuccessResponseWithMeta(tasks, map[string]interface{}{"total": len(tasks)}))
}

func (h *SettlementHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pipeline.Stats(r.Context())
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, stats)
}

func (h *SettlementHandler) HandleListStalled(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.pipeline.ListStalled(r.Context())
	if err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, models.NewSuccessResponseWithMeta(tasks, map[string]interface{}{"total": len(tasks)}))
}

// HandleRetryTask re-arms a stalled or parked task.
func (h *SettlementHandler) HandleRetryTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if err := h.pipeline.RetryTask(r.Context(), taskID); err != nil {
		h.sendStoreError(w, err)
		return
	}
	h.sendSuccess(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "requeued"})
}

// QRCodeHandler renders escrow top-up QR codes.
type QRCodeHandler struct {
	*BaseHandler
	qrService     *services.QRCodeService
	escrowAddress string
}

// NewQRCodeHandler creates a new QR code handler
func NewQRCodeHandler(qrService *services.QRCodeService, escrowAddress string) *QRCodeHandler {
	return &QRCodeHandler{
		BaseHandler:   NewBaseHandler(),
		qrService:     qrService,
		escrowAddress: escrowAddress,
	}
}

// HandleEscrowQRCode renders a payment request to the escrow address for
// ?amount_sats=N (optional).
func (h *QRCodeHandler) HandleEscrowQRCode(w http.ResponseWriter, r *http.Request) {
	var amount int64
	if raw := r.URL.Query().Get("amount_sats"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.sendError(w, http.StatusBadRequest, "invalid_request", "amount_sats must be a non-negative integer")
			return
		}
		amount = v
	}
	qrData, err := h.qrService.GenerateQRCode(h.escrowAddress, amount)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "qr_failed", "Failed to generate QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(qrData)
}
