package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nathanyu/funds-transfer/internal/accounts"
	"github.com/nathanyu/funds-transfer/internal/cqrs"
	"github.com/nathanyu/funds-transfer/internal/domain"
	"github.com/shopspring/decimal"
)

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req accounts.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	acc, err := h.accounts.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

// ListAccounts handles GET /v1/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	list, err := h.accounts.List(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if list == nil {
		list = []*domain.Account{}
	}
	c.JSON(http.StatusOK, list)
}

// GetAccount handles GET /v1/accounts/:number
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.accounts.Get(c.Request.Context(), c.Param("number"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// GetAccountByEmail handles GET /v1/accounts/email/:email
func (h *Handler) GetAccountByEmail(c *gin.Context) {
	acc, err := h.accounts.GetByEmail(c.Request.Context(), c.Param("email"))
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// UpdateAccount handles PATCH /v1/accounts/:number
func (h *Handler) UpdateAccount(c *gin.Context) {
	var patch domain.AccountPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}

	acc, err := h.accounts.Update(c.Request.Context(), c.Param("number"), patch)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// DeleteAccount handles DELETE /v1/accounts/:number
func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.accounts.Delete(c.Request.Context(), c.Param("number")); err != nil {
		writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// ActivityResponse is an account's activity with its net movement
type ActivityResponse struct {
	cqrs.Activity
	Net decimal.Decimal `json:"net"`
}

// ActivitySummary is the activity of every account seen so far
type ActivitySummary struct {
	Accounts   []ActivityResponse `json:"accounts"`
	TotalMoved decimal.Decimal    `json:"total_moved"`
}

func activityResponse(a cqrs.Activity) ActivityResponse {
	return ActivityResponse{Activity: a, Net: a.Net()}
}

// GetActivity handles GET /v1/accounts/:number/activity
func (h *Handler) GetActivity(c *gin.Context) {
	activity, _ := h.readModel.GetActivity(c.Param("number"))
	c.JSON(http.StatusOK, activityResponse(activity))
}

// ListActivity handles GET /v1/activity
func (h *Handler) ListActivity(c *gin.Context) {
	all := h.readModel.GetAllActivity()
	summary := ActivitySummary{
		Accounts:   make([]ActivityResponse, 0, len(all)),
		TotalMoved: h.readModel.GetTotalMoved(),
	}
	for _, a := range all {
		summary.Accounts = append(summary.Accounts, activityResponse(a))
	}
	c.JSON(http.StatusOK, summary)
}
