package escrow

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pifp/escrow-backend/internal/access"
	"pifp/escrow-backend/internal/auth"
	"pifp/escrow-backend/internal/events"
	"pifp/escrow-backend/internal/projects"
)

// Handler handles HTTP requests for escrow operations
type Handler struct {
	service        *Service
	hub            *events.Hub
	logger         *zap.Logger
	bootstrapAdmin string
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithBootstrapAdmin restricts POST /init to the given principal. Without it
// any authenticated caller may initialize the escrow.
func WithBootstrapAdmin(principal string) HandlerOption {
	return func(h *Handler) {
		h.bootstrapAdmin = principal
	}
}

// NewHandler creates a new escrow handler. hub may be nil, which disables
// the websocket endpoint.
func NewHandler(service *Service, hub *events.Hub, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers escrow routes. The group must run auth.Middleware.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	escrow := router.Group("/escrow")
	{
		escrow.POST("/init", h.initEscrow)

		escrow.POST("/projects", h.registerProject)
		escrow.GET("/projects", h.listProjects)
		escrow.GET("/projects/:id", h.getProject)
		escrow.GET("/projects/:id/balances", h.getProjectBalances)
		escrow.GET("/projects/:id/balances/:token", h.getBalance)
		escrow.GET("/projects/:id/history", h.getStatusHistory)
		escrow.GET("/projects/:id/deposits", h.listDeposits)
		escrow.POST("/projects/:id/deposits", h.deposit)
		escrow.GET("/projects/:id/contributions", h.getContributions)
		escrow.POST("/projects/:id/release", h.verifyAndRelease)
		escrow.POST("/projects/:id/expire", h.expireProject)
		escrow.POST("/projects/:id/refunds", h.claimRefund)

		escrow.POST("/roles", h.grantRole)
		escrow.DELETE("/roles", h.revokeRole)
		escrow.GET("/roles/:principal", h.getRoles)

		escrow.GET("/events/ws", h.streamEvents)
	}
}

// httpStatus maps an error kind to the response status
func httpStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusForbidden
	case KindProjectNotFound:
		return http.StatusNotFound
	case KindInvalidStatus, KindGoalNotMet, KindDeadlineNotReached,
		KindAlreadyInitialized, KindNothingToRefund, KindDuplicateReference:
		return http.StatusConflict
	case KindOverflow:
		return http.StatusUnprocessableEntity
	case KindTransferFailed:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := KindOf(err)
	status := httpStatus(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Escrow request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func (h *Handler) projectID(c *gin.Context) (projects.ID, bool) {
	id, err := projects.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return 0, false
	}
	return id, true
}

type initRequest struct {
	Admin string `json:"admin"`
}

// initEscrow handles POST /api/v1/escrow/init
func (h *Handler) initEscrow(c *gin.Context) {
	caller := auth.Principal(c)
	if h.bootstrapAdmin != "" && caller != h.bootstrapAdmin {
		h.logger.Warn("Rejected escrow init from non-bootstrap principal", zap.String("caller", caller))
		h.fail(c, newError("init", KindUnauthorized, access.ErrUnauthorized))
		return
	}

	var req initRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Admin == "" {
		req.Admin = caller
	}
	if err := h.service.Init(c.Request.Context(), req.Admin); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"admin": req.Admin})
}

type registerProjectRequest struct {
	AcceptedTokens []string           `json:"accepted_tokens"`
	Goal           int64              `json:"goal"`
	ProofHash      projects.ProofHash `json:"proof_hash"`
	Deadline       time.Time          `json:"deadline"`
}

// registerProject handles POST /api/v1/escrow/projects
func (h *Handler) registerProject(c *gin.Context) {
	var req registerProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.service.RegisterProject(c.Request.Context(), projects.RegisterRequest{
		Creator:        auth.Principal(c),
		AcceptedTokens: req.AcceptedTokens,
		Goal:           req.Goal,
		ProofHash:      req.ProofHash,
		Deadline:       req.Deadline,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// listProjects handles GET /api/v1/escrow/projects
func (h *Handler) listProjects(c *gin.Context) {
	var filter projects.Filter
	if raw := c.Query("status"); raw != "" {
		status, err := projects.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Status = &status
	}
	filter.Creator = c.Query("creator")
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.ListProjects(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": list, "count": len(list)})
}

// getProject handles GET /api/v1/escrow/projects/:id
func (h *Handler) getProject(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	project, err := h.service.GetProject(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// getProjectBalances handles GET /api/v1/escrow/projects/:id/balances
func (h *Handler) getProjectBalances(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	balances, err := h.service.GetProjectBalances(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "balances": balances})
}

// getBalance handles GET /api/v1/escrow/projects/:id/balances/:token
func (h *Handler) getBalance(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	token := c.Param("token")
	balance, err := h.service.GetBalance(c.Request.Context(), id, token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "token": token, "amount": balance})
}

// getStatusHistory handles GET /api/v1/escrow/projects/:id/history
func (h *Handler) getStatusHistory(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	history, err := h.service.StatusHistory(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "history": history})
}

// listDeposits handles GET /api/v1/escrow/projects/:id/deposits
func (h *Handler) listDeposits(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	deposits, err := h.service.Deposits(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "deposits": deposits})
}

type depositRequest struct {
	Token     string `json:"token" binding:"required"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// deposit handles POST /api/v1/escrow/projects/:id/deposits
func (h *Handler) deposit(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := h.service.Deposit(c.Request.Context(), DepositRequest{
		ProjectID: id,
		Donor:     auth.Principal(c),
		Token:     req.Token,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// getContributions handles GET /api/v1/escrow/projects/:id/contributions
func (h *Handler) getContributions(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	donor := c.DefaultQuery("donor", auth.Principal(c))
	contributions, err := h.service.Contributions(c.Request.Context(), id, donor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": id, "donor": donor, "contributions": contributions})
}

type releaseRequest struct {
	ProofHash projects.ProofHash `json:"proof_hash"`
}

// verifyAndRelease handles POST /api/v1/escrow/projects/:id/release
func (h *Handler) verifyAndRelease(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payout, err := h.service.VerifyAndRelease(c.Request.Context(), auth.Principal(c), id, req.ProofHash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

// expireProject handles POST /api/v1/escrow/projects/:id/expire
func (h *Handler) expireProject(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	project, err := h.service.ExpireProject(c.Request.Context(), auth.Principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// claimRefund handles POST /api/v1/escrow/projects/:id/refunds
func (h *Handler) claimRefund(c *gin.Context) {
	id, ok := h.projectID(c)
	if !ok {
		return
	}
	payout, err := h.service.ClaimRefund(c.Request.Context(), auth.Principal(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payout)
}

type roleRequest struct {
	Target string `json:"target" binding:"required"`
	Role   string `json:"role" binding:"required"`
}

func (h *Handler) bindRole(c *gin.Context) (roleRequest, access.Role, bool) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, "", false
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		h.fail(c, wrap("parse_role", err))
		return req, "", false
	}
	return req, role, true
}

// grantRole handles POST /api/v1/escrow/roles
func (h *Handler) grantRole(c *gin.Context) {
	req, role, ok := h.bindRole(c)
	if !ok {
		return
	}
	changed, err := h.service.GrantRole(c.Request.Context(), auth.Principal(c), req.Target, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": req.Target, "role": role, "changed": changed})
}

// revokeRole handles DELETE /api/v1/escrow/roles
func (h *Handler) revokeRole(c *gin.Context) {
	req, role, ok := h.bindRole(c)
	if !ok {
		return
	}
	changed, err := h.service.RevokeRole(c.Request.Context(), auth.Principal(c), req.Target, role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": req.Target, "role": role, "changed": changed})
}

// getRoles handles GET /api/v1/escrow/roles/:principal
func (h *Handler) getRoles(c *gin.Context) {
	principal := c.Param("principal")
	roles, err := h.service.Roles(c.Request.Context(), principal)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": principal, "roles": roles})
}

// streamEvents handles GET /api/v1/escrow/events/ws
func (h *Handler) streamEvents(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream disabled"})
		return
	}
	if err := h.hub.ServeWS(c.Writer, c.Request, auth.Principal(c)); err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
	}
}
