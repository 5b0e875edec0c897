package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/accounts"
	"github.com/nathanyu/funds-transfer/internal/cqrs"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/nathanyu/funds-transfer/internal/engine"
	"github.com/nathanyu/funds-transfer/internal/store"
	"github.com/shopspring/decimal"
)

// IdempotencyHeader carries the reference code of a transfer request.
const IdempotencyHeader = "Idempotency-Key"

// Handler contains all HTTP handlers
type Handler struct {
	engine    *engine.Engine
	accounts  *accounts.Service
	transfers store.TransferStore
	readModel *cqrs.ReadModel
	timeout   time.Duration
}

// NewHandler creates a new handler
func NewHandler(eng *engine.Engine, acc *accounts.Service, transfers store.TransferStore, readModel *cqrs.ReadModel) *Handler {
	return &Handler{
		engine:    eng,
		accounts:  acc,
		transfers: transfers,
		readModel: readModel,
		timeout:   10 * time.Second,
	}
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Transfer  *domain.Transfer `json:"transfer,omitempty"`
}

// statusFor maps a domain error to an HTTP status and a stable error code
func statusFor(err error) (int, string) {
	if code, ok := domain.FailureCodeOf(err); ok {
		switch code {
		case domain.FailureAccountNotFound:
			return http.StatusNotFound, string(code)
		case domain.FailureInsufficientFunds:
			return http.StatusPaymentRequired, string(code)
		case domain.FailureTimeout:
			return http.StatusConflict, string(code)
		default:
			return http.StatusBadRequest, string(code)
		}
	}

	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		return http.StatusNotFound, "TRANSFER_NOT_FOUND"
	case errors.Is(err, domain.ErrDuplicateReference):
		return http.StatusConflict, "DUPLICATE_REFERENCE"
	case errors.Is(err, domain.ErrDuplicateAccount):
		return http.StatusConflict, "ACCOUNT_EXISTS"
	case errors.Is(err, domain.ErrTransientConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusConflict, "TRANSFER_IN_PROGRESS"
	case errors.Is(err, accounts.ErrInvalidAccount):
		return http.StatusBadRequest, "INVALID_ACCOUNT"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(c *gin.Context, err error, transfer *domain.Transfer) {
	status, code := statusFor(err)
	resp := ErrorResponse{
		Error:    err.Error(),
		Code:     code,
		Transfer: transfer,
	}

	var insufficient *domain.InsufficientFundsError
	if errors.As(err, &insufficient) {
		resp.Available = &insufficient.Available
	}

	c.JSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

// HealthResponse is the response for health check endpoint
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", h.Health)

	v1 := r.Group("/v1")
	{
		acc := v1.Group("/accounts")
		acc.POST("", h.CreateAccount)
		acc.GET("", h.ListAccounts)
		acc.GET("/email/:email", h.GetAccountByEmail)
		acc.GET("/:number", h.GetAccount)
		acc.PATCH("/:number", h.UpdateAccount)
		acc.DELETE("/:number", h.DeleteAccount)
		acc.GET("/:number/activity", h.GetActivity)

		v1.GET("/activity", h.ListActivity)

		trf := v1.Group("/transfers")
		trf.POST("", h.Transfer)
		trf.GET("/history/:account", h.TransferHistory)
		trf.GET("/status/:status", h.TransfersByStatus)
		trf.GET("/:code", h.GetTransfer)
	}
}
