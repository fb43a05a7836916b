package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/irfndi/renpool/internal/auth"
	"github.com/irfndi/renpool/internal/factory"
	"github.com/irfndi/renpool/internal/pool"
	"github.com/irfndi/renpool/internal/service"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type Handler struct {
	service     service.Service
	requireAuth gin.HandlerFunc
}

// NewHandler creates the HTTP handler. requireAuth must set the caller
// address under auth.ContextKeyAddress.
func NewHandler(service service.Service, requireAuth gin.HandlerFunc) *Handler {
	return &Handler{service: service, requireAuth: requireAuth}
}

func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/factory", h.GetFactory)

	pools := router.Group("/pools")
	{
		pools.GET("", h.ListPools)
		pools.GET("/:address", h.GetPool)
		pools.GET("/:address/balances/:depositor", h.GetBalance)
		pools.GET("/:address/events", h.ListEvents)

		authed := pools.Group("", h.requireAuth)
		authed.POST("", h.DeployPool)
		authed.POST("/:address/deposit", h.Deposit)
		authed.POST("/:address/withdraw", h.Withdraw)
		authed.POST("/:address/lock", h.Lock)
		authed.POST("/:address/unlock", h.Unlock)
		authed.POST("/:address/claim", h.ClaimRewards)
		authed.POST("/:address/operator", h.SetNodeOperator)
	}

	ledger := router.Group("/ledger")
	{
		ledger.GET("/balances/:address", h.GetTokenBalance)
		ledger.POST("/faucet", h.requireAuth, h.Faucet)
		ledger.POST("/approve", h.requireAuth, h.Approve)
	}

	history := router.Group("/history")
	{
		history.GET("/pools", h.ListPoolHistory)
		history.GET("/pools/:address", h.GetPoolRecord)
		history.GET("/events", h.ListActorEvents)
	}

	darknode := router.Group("/darknode", h.requireAuth)
	{
		darknode.POST("/epoch", h.AdvanceEpoch)
		darknode.POST("/rewards", h.AccrueRewards)
	}
}

func (h *Handler) decimals() uint8 {
	return h.service.Factory().TokenDecimals
}

func (h *Handler) GetFactory(c *gin.Context) {
	info := h.service.Factory()
	c.JSON(http.StatusOK, FactoryResponse{
		Address:       info.Address.Hex(),
		Owner:         info.Owner.Hex(),
		PoolCount:     info.PoolCount,
		TokenSymbol:   info.TokenSymbol,
		TokenDecimals: info.TokenDecimals,
	})
}

func (h *Handler) DeployPool(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req DeployPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	params, err := req.params()
	if err != nil {
		respondError(c, err)
		return
	}

	snapshot, err := h.service.DeployPool(c.Request.Context(), caller, params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toPoolResponse(snapshot, h.decimals()))
}

func (h *Handler) ListPools(c *gin.Context) {
	decimals := h.decimals()
	snapshots := h.service.ListPools()
	resp := make([]PoolResponse, 0, len(snapshots))
	for _, s := range snapshots {
		resp = append(resp, toPoolResponse(s, decimals))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetPool(c *gin.Context) {
	address, ok := h.poolAddress(c)
	if !ok {
		return
	}
	snapshot, err := h.service.GetPool(address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(snapshot, h.decimals()))
}

func (h *Handler) GetBalance(c *gin.Context) {
	address, ok := h.poolAddress(c)
	if !ok {
		return
	}
	depositor, err := parseAddress(c.Param("depositor"), false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	position, err := h.service.BalanceOf(address, depositor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPositionResponse(position, h.decimals()))
}

func (h *Handler) ListEvents(c *gin.Context) {
	address, ok := h.poolAddress(c)
	if !ok {
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}

	records, err := h.service.Events(address, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEventResponses(records))
}

// ListPoolHistory lists journaled pools, optionally filtered by ?operator=
func (h *Handler) ListPoolHistory(c *gin.Context) {
	operator, err := parseAddress(c.Query("operator"), true)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	records, err := h.service.PoolHistory(operator, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := make([]PoolRecordResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, toPoolRecordResponse(r, 0))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetPoolRecord(c *gin.Context) {
	address, ok := h.poolAddress(c)
	if !ok {
		return
	}
	record, count, err := h.service.PoolRecord(address)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPoolRecordResponse(record, count))
}

// ListActorEvents lists the journaled events of ?actor=, newest first
func (h *Handler) ListActorEvents(c *gin.Context) {
	actor, err := parseAddress(c.Query("actor"), false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	records, err := h.service.ActorEvents(actor, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toEventResponses(records))
}

func (h *Handler) Deposit(c *gin.Context) {
	h.amountOperation(c, h.service.Deposit)
}

func (h *Handler) Withdraw(c *gin.Context) {
	h.amountOperation(c, h.service.Withdraw)
}

func (h *Handler) Lock(c *gin.Context) {
	address, caller, ok := h.poolAndCaller(c)
	if !ok {
		return
	}
	snapshot, err := h.service.Lock(c.Request.Context(), address, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(snapshot, h.decimals()))
}

func (h *Handler) Unlock(c *gin.Context) {
	address, caller, ok := h.poolAndCaller(c)
	if !ok {
		return
	}
	snapshot, err := h.service.Unlock(c.Request.Context(), address, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(snapshot, h.decimals()))
}

func (h *Handler) ClaimRewards(c *gin.Context) {
	address, caller, ok := h.poolAndCaller(c)
	if !ok {
		return
	}
	paid, err := h.service.ClaimRewards(c.Request.Context(), address, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pool":        address.Hex(),
		"distributed": paid.Dec(),
	})
}

func (h *Handler) SetNodeOperator(c *gin.Context) {
	address, caller, ok := h.poolAndCaller(c)
	if !ok {
		return
	}
	var req OperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	operator, err := parseAddress(req.Operator, false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	snapshot, err := h.service.SetNodeOperator(c.Request.Context(), address, caller, operator)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(snapshot, h.decimals()))
}

func (h *Handler) GetTokenBalance(c *gin.Context) {
	address, err := parseAddress(c.Param("address"), false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(h.service.TokenBalance(address)))
}

func (h *Handler) Faucet(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	balance, err := h.service.Faucet(c.Request.Context(), caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBalanceResponse(balance))
}

func (h *Handler) Approve(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	spender, err := parseAddress(req.Spender, false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, "INVALID_AMOUNT", err.Error())
		return
	}
	if err := h.service.Approve(caller, spender, amount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":   caller.Hex(),
		"spender": spender.Hex(),
		"amount":  amount.Dec(),
	})
}

func (h *Handler) AdvanceEpoch(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	epoch, err := h.service.AdvanceEpoch(caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": epoch})
}

func (h *Handler) AccrueRewards(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req AccrueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	node, err := parseAddress(req.Node, false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, "INVALID_AMOUNT", err.Error())
		return
	}
	if err := h.service.AccrueRewards(caller, node, amount); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node.Hex(), "amount": amount.Dec()})
}

// amountOperation runs a deposit or withdrawal
func (h *Handler) amountOperation(c *gin.Context, op func(ctx context.Context, address, caller common.Address, amount *uint256.Int) (pool.Snapshot, error)) {
	address, caller, ok := h.poolAndCaller(c)
	if !ok {
		return
	}
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "INVALID_REQUEST", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		badRequest(c, "INVALID_AMOUNT", err.Error())
		return
	}
	snapshot, err := op(c.Request.Context(), address, caller, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPoolResponse(snapshot, h.decimals()))
}

// pagination reads ?limit= and ?offset=. limit is capped at maxPageLimit.
func pagination(c *gin.Context) (int, int, bool) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit <= 0 {
		badRequest(c, "INVALID_PAGINATION", fmt.Sprintf("invalid limit %q", c.Query("limit")))
		return 0, 0, false
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "INVALID_PAGINATION", fmt.Sprintf("invalid offset %q", c.Query("offset")))
		return 0, 0, false
	}
	return min(limit, maxPageLimit), offset, true
}

func (h *Handler) caller(c *gin.Context) (common.Address, bool) {
	caller, ok := auth.CallerAddress(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
			"code":  "USER_NOT_AUTHENTICATED",
		})
		return common.Address{}, false
	}
	return caller, true
}

func (h *Handler) poolAddress(c *gin.Context) (common.Address, bool) {
	address, err := parseAddress(c.Param("address"), false)
	if err != nil {
		badRequest(c, "INVALID_ADDRESS", err.Error())
		return common.Address{}, false
	}
	return address, true
}

func (h *Handler) poolAndCaller(c *gin.Context) (common.Address, common.Address, bool) {
	caller, ok := h.caller(c)
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	address, ok := h.poolAddress(c)
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	return address, caller, true
}

func (r DeployPoolRequest) params() (factory.Params, error) {
	var (
		params factory.Params
		err    error
	)
	fields := []struct {
		value string
		dst   *common.Address
	}{
		{r.Token, &params.Token},
		{r.Registry, &params.Registry},
		{r.Payment, &params.Payment},
		{r.ClaimRewards, &params.ClaimRewards},
		{r.Gateway, &params.Gateway},
	}
	for _, f := range fields {
		if *f.dst, err = parseAddress(f.value, true); err != nil {
			return factory.Params{}, fmt.Errorf("%w: %w", pool.ErrInvalidAddress, err)
		}
	}
	if params.Bond, err = parseAmount(r.Bond); err != nil {
		return factory.Params{}, fmt.Errorf("%w: %w", pool.ErrInvalidAmount, err)
	}
	return params, nil
}
