package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"realtime-wallet/internal/auth"
	"realtime-wallet/internal/metrics"
	"realtime-wallet/internal/models"
	"realtime-wallet/internal/repositories/postgresrepo"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator"
	"github.com/rs/zerolog"
)

// Producer enqueues a mutation job onto the durable queue.
type Producer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// LedgerReader serves the read-side endpoints.
type LedgerReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]models.Transaction, error)
	EnsureAccount(ctx context.Context, userID string) error
}

type Wallet struct {
	producer Producer
	ledger   LedgerReader
	metrics  *metrics.Metrics
	validate *validator.Validate
	log      *zerolog.Logger
}

func NewWallet(r chi.Router, producer Producer, ledger LedgerReader, m *metrics.Metrics, log *zerolog.Logger) *Wallet {
	h := &Wallet{
		producer: producer,
		ledger:   ledger,
		metrics:  m,
		validate: validator.New(),
		log:      log,
	}

	r.Post("/balance", h.createMutation)
	r.Get("/balance", h.getBalance)
	r.Get("/transactions", h.listTransactions)

	return h
}

// @Summary Queue a balance mutation
// @Description Accepts a deposit or withdrawal intent and queues it for asynchronous processing. The outcome is delivered over the realtime channel.
// @Tags balance
// @Accept json
// @Produce json
// @Param mutation body models.MutationRequest true "Mutation Request"
// @Success 202 {object} models.MutationResponse
// @Failure 400 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Security BearerAuth
// @Router /balance [post]
func (h *Wallet) createMutation(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	var req models.MutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation error: %v", err))
		return
	}

	job := models.Job{
		UserID:    userID,
		Type:      req.Type,
		Amount:    req.Amount,
		Timestamp: time.Now().UTC(),
	}

	if err := h.producer.Enqueue(r.Context(), job); err != nil {
		h.log.Error().Err(err).
			Str("userId", userID).
			Str("type", req.Type).
			Int64("amount", req.Amount).
			Msg("failed to enqueue mutation job")
		h.writeError(w, http.StatusInternalServerError, "Failed to queue mutation")
		return
	}

	h.metrics.JobsEnqueued.Inc()

	response := models.MutationResponse{
		Status:  models.StatusPending,
		Message: models.MessageJobQueued,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(response)
}

// @Summary Get current balance
// @Tags balance
// @Produce json
// @Success 200 {object} models.BalanceResponse
// @Failure 401 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Security BearerAuth
// @Router /balance [get]
func (h *Wallet) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	ctx := r.Context()
	if err := h.ledger.EnsureAccount(ctx, userID); err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get balance: %v", err))
		return
	}

	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		if errors.Is(err, postgresrepo.ErrAccountNotFound) {
			h.writeError(w, http.StatusNotFound, "Account not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get balance: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.BalanceResponse{
		UserID:  userID,
		Balance: balance,
	})
}

// @Summary List recent transactions
// @Tags transactions
// @Produce json
// @Param limit query int false "Maximum records to return"
// @Success 200 {array} models.Transaction
// @Failure 401 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Security BearerAuth
// @Router /transactions [get]
func (h *Wallet) listTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Missing user identity")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	transactions, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list transactions: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

func (h *Wallet) writeError(w http.ResponseWriter, statusCode int, message string) {
	errorResponse := map[string]interface{}{
		"error":   http.StatusText(statusCode),
		"message": message,
		"code":    statusCode,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse)
}
