package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/shopspring/decimal"
)

// TransferRequest is the request body for the transfer endpoint
type TransferRequest struct {
	SourceAccount string          `json:"source_account" binding:"required"`
	DestAccount   string          `json:"dest_account" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
	Concept       string          `json:"concept"`
	ReferenceCode string          `json:"reference_code"` // Optional, Idempotency-Key header also accepted
}

// TransferResponse is the response body for a settled transfer
type TransferResponse struct {
	Transfer *domain.Transfer `json:"transfer"`
	Replayed bool             `json:"replayed"`
}

// Transfer handles POST /v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	code := req.ReferenceCode
	if key := c.GetHeader(IdempotencyHeader); key != "" {
		if code != "" && code != key {
			badRequest(c, fmt.Errorf("%s header and reference_code disagree", IdempotencyHeader))
			return
		}
		code = key
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := h.engine.Execute(ctx, domain.TransferCommand{
		ReferenceCode: code,
		SourceAccount: req.SourceAccount,
		DestAccount:   req.DestAccount,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Concept:       req.Concept,
	})
	if err != nil {
		var transfer *domain.Transfer
		if res != nil {
			transfer = res.Transfer
		}
		writeError(c, err, transfer)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, TransferResponse{Transfer: res.Transfer, Replayed: res.Replayed})
}

// GetTransfer handles GET /v1/transfers/:code
func (h *Handler) GetTransfer(c *gin.Context) {
	t, err := h.transfers.GetTransfer(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, t)
}

// TransferHistory handles GET /v1/transfers/history/:account
func (h *Handler) TransferHistory(c *gin.Context) {
	list, err := h.transfers.ListTransfersByAccount(c.Request.Context(), c.Param("account"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if list == nil {
		list = []*domain.Transfer{}
	}
	c.JSON(http.StatusOK, list)
}

// TransfersByStatus handles GET /v1/transfers/status/:status
func (h *Handler) TransfersByStatus(c *gin.Context) {
	status, err := domain.ParseTransferStatus(c.Param("status"))
	if err != nil {
		badRequest(c, err)
		return
	}

	list, err := h.transfers.ListTransfersByStatus(c.Request.Context(), status)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if list == nil {
		list = []*domain.Transfer{}
	}
	c.JSON(http.StatusOK, list)
}
