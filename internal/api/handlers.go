/**
 * @description
 * HTTP handlers for the settlement engine: matching, cycle actions, balances,
 * fraud reviews and the internal funding/payout hooks.
 *
 * @notes
 * - Engine errors map to statuses in writeError; handlers never pick a status
 *   for an engine failure themselves.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chaingive/settlement-service/internal/app"
	"github.com/chaingive/settlement-service/internal/domain"
	"github.com/chaingive/settlement-service/internal/store"
)

const maxBodyBytes = 1 << 20

// ParticipantWriter upserts recipient pool entries.
type ParticipantWriter interface {
	UpsertParticipant(ctx context.Context, participant *domain.Participant) error
}

// Handler holds the engine components the routes call into.
type Handler struct {
	ledger       *app.Ledger
	cycles       *app.StateMachine
	matcher      *app.Matcher
	fraud        *app.FraudGate
	participants ParticipantWriter
	log          *zap.Logger
	now          func() time.Time

	countryHeader string
	cityHeader    string
}

const (
	idempotencyKeyHeader  = "Idempotency-Key"
	maxIdempotencyKeySize = 255
)

func NewHandler(ledger *app.Ledger, cycles *app.StateMachine, matcher *app.Matcher, fraud *app.FraudGate, participants ParticipantWriter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		ledger:       ledger,
		cycles:       cycles,
		matcher:      matcher,
		fraud:        fraud,
		participants: participants,
		log:          log.With(zap.String("component", "api")),
		now:          func() time.Time { return time.Now().UTC() },

		countryHeader: "X-Client-Country",
		cityHeader:    "X-Client-City",
	}
}

// UseLocationHeaders names the gateway headers that carry the caller's
// location. Empty names keep the current ones.
func (h *Handler) UseLocationHeaders(country, city string) {
	if country != "" {
		h.countryHeader = country
	}
	if city != "" {
		h.cityHeader = city
	}
}

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (h *Handler) handleMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req domain.MatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.DonorID = strings.TrimSpace(req.DonorID)
	if req.DonorID == "" {
		req.DonorID = userID
	}
	if req.DonorID != userID {
		writeErrorMessage(w, http.StatusForbidden, "donorId must be the authenticated user")
		return
	}
	if req.Amount <= 0 {
		writeErrorMessage(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if len(req.IdempotencyKey) > maxIdempotencyKeySize {
		writeErrorMessage(w, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}
	// The gateway's location replaces whatever the client put in the body.
	if country := strings.TrimSpace(r.Header.Get(h.countryHeader)); country != "" {
		req.Country = country
		req.City = strings.TrimSpace(r.Header.Get(h.cityHeader))
	}

	result, err := h.matcher.Match(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	h.cycleAction(w, r, h.cycles.ConfirmReceipt)
}

func (h *Handler) handleAcceptObligation(w http.ResponseWriter, r *http.Request) {
	h.cycleAction(w, r, h.cycles.AcceptObligation)
}

func (h *Handler) handleFulfill(w http.ResponseWriter, r *http.Request) {
	h.cycleAction(w, r, h.cycles.Fulfill)
}

func (h *Handler) cycleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID, string) (*domain.Cycle, error)) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	cycleID, ok := cycleIDParam(w, r)
	if !ok {
		return
	}

	cycle, err := action(r.Context(), cycleID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cycle)
}

func (h *Handler) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	cycleID, ok := cycleIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.cycles.Get(r.Context(), cycleID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCycleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	cycleID, ok := cycleIDParam(w, r)
	if !ok {
		return
	}

	history, err := h.cycles.History(r.Context(), cycleID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.selfParam(w, r)
	if !ok {
		return
	}
	balance, err := h.ledger.BalanceOf(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.selfParam(w, r)
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit", 50)
	if !ok {
		return
	}
	history, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handleReportFalsePositive(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req domain.FalsePositiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.fraud.ReportFalsePositive(r.Context(), userID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (h *Handler) handleRiskProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	profile, err := h.fraud.RiskProfile(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Internal routes.

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req domain.DepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, created, err := h.ledger.Deposit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, entry)
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req domain.WithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.ledger.Withdraw(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req domain.AdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := h.ledger.Adjust(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleUpsertParticipant(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "User ID is required")
		return
	}
	var participant domain.Participant
	if !decodeJSON(w, r, &participant) {
		return
	}
	participant.UserID = userID
	if participant.UpdatedAt.IsZero() {
		participant.UpdatedAt = h.now()
	}

	if err := h.participants.UpsertParticipant(r.Context(), &participant); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participant)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "User ID is required")
		return
	}
	report, err := h.ledger.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleFraudStatistics(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}
	stats, err := h.fraud.Statistics(r.Context(), since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// selfParam resolves {userID}, accepting "me", and enforces that users only
// read their own account.
func (h *Handler) selfParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		writeErrorMessage(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	requested := strings.TrimSpace(chi.URLParam(r, "userID"))
	if requested == "" || requested == "me" {
		return userID, true
	}
	if requested != userID {
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
		return "", false
	}
	return userID, true
}

func cycleIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	cycleID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid cycle ID")
		return uuid.Nil, false
	}
	return cycleID, true
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		writeErrorMessage(w, http.StatusBadRequest, key+" must be a positive integer")
		return 0, false
	}
	return value, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

type errorResponse struct {
	Error     string   `json:"error"`
	Balance   *int64   `json:"balance,omitempty"`
	Required  *int64   `json:"required,omitempty"`
	Reasons   []string `json:"reasons,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *app.InsufficientFundsError
	var blocked *app.FraudBlockedError

	switch {
	case errors.As(err, &insufficient):
		balance, required := insufficient.Balance, insufficient.Required
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: "insufficient funds", Balance: &balance, Required: &required})
	case errors.Is(err, app.ErrInsufficientFunds):
		writeErrorMessage(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "fraud blocked", Reasons: blocked.Reasons, RiskLevel: string(blocked.RiskLevel)})
	case errors.Is(err, app.ErrForbidden):
		writeErrorMessage(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, app.ErrNoEligibleRecipient):
		writeErrorMessage(w, http.StatusNotFound, "no eligible recipient")
	case errors.Is(err, store.ErrCycleNotFound),
		errors.Is(err, store.ErrHoldNotFound),
		errors.Is(err, store.ErrParticipantNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrFraudCheckNotFound):
		writeErrorMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrDuplicateSubmission):
		writeErrorMessage(w, http.StatusConflict, "duplicate submission")
	case errors.Is(err, store.ErrOpenCycleExists):
		writeErrorMessage(w, http.StatusConflict, "an open cycle already exists for this pair")
	case errors.Is(err, store.ErrDuplicateTransaction):
		writeErrorMessage(w, http.StatusConflict, "duplicate transaction")
	case errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrInvalidRequest):
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeErrorMessage(w, http.StatusServiceUnavailable, "request timed out")
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeErrorMessage(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeJSON is a helper to write JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}
