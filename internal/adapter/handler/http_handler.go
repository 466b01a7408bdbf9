package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/core/service"
	"github.com/rl1809/meal-dispatch/internal/port"
)

type HTTPHandler struct {
	orders      *service.OrderService
	menus       *service.MenuService
	agents      *service.AgentService
	assignments *service.AssignmentService
	areas       *service.AreaService
	feed        *service.Feed
	auth        *Authenticator
	log         *zap.Logger
}

type Services struct {
	Orders      *service.OrderService
	Menus       *service.MenuService
	Agents      *service.AgentService
	Assignments *service.AssignmentService
	Areas       *service.AreaService
	Feed        *service.Feed
}

func NewHTTPHandler(svc Services, auth *Authenticator, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		orders:      svc.Orders,
		menus:       svc.Menus,
		agents:      svc.Agents,
		assignments: svc.Assignments,
		areas:       svc.Areas,
		feed:        svc.Feed,
		auth:        auth,
		log:         logger.Named("http"),
	}
}

// Register mounts every route on r. Checkout and the open menu listing are
// public; everything else needs a staff token.
func (h *HTTPHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/menus/open", h.ListOpenMenus)
	api.GET("/areas", h.ListAreas)
	api.POST("/orders", h.PlaceOrder)

	staff := api.Group("", h.auth.RequireRole(service.RoleOwner, service.RoleAgent))
	staff.GET("/orders", h.ListOrders)
	staff.GET("/orders/:id", h.GetOrder)
	staff.POST("/orders/:id/deliver", h.MarkDelivered)
	staff.POST("/orders/:id/undeliver", h.MarkUndelivered)

	owner := api.Group("", h.auth.RequireRole(service.RoleOwner))
	owner.GET("/menus", h.ListMenus)
	owner.POST("/menus", h.PublishMenu)
	owner.GET("/menus/:id", h.GetMenu)
	owner.PUT("/menus/:id", h.EditMenu)
	owner.POST("/menus/:id/stop", h.StopOrders)
	owner.POST("/menus/:id/archive", h.ArchiveMenu)
	owner.GET("/agents", h.ListAgents)
	owner.POST("/agents", h.AddAgent)
	owner.PUT("/agents/:id", h.RenameAgent)
	owner.PUT("/agents/:id/active", h.SetAgentActive)
	owner.DELETE("/agents/:id", h.DeleteAgent)
	owner.POST("/areas", h.AddArea)
	owner.DELETE("/areas/:area", h.DeleteArea)
	owner.GET("/areas/:area", h.GetAssignment)
	owner.PUT("/areas/:area/agents", h.SaveRoster)

	r.GET("/ws/orders", h.auth.RequireRole(service.RoleOwner, service.RoleAgent), h.StreamOrders)
}

type PlaceOrderHTTPRequest struct {
	RequestID    string              `json:"requestId"`
	MenuID       string              `json:"menuId"`
	Items        []domain.CartLine   `json:"items"`
	DeliveryType domain.DeliveryType `json:"deliveryType"`
	Area         string              `json:"area"`
	Location     *domain.Location    `json:"location"`
	Customer     domain.Customer     `json:"customer"`
}

func (h *HTTPHandler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.PlaceOrder(c.Request.Context(), service.PlaceOrderRequest{
		RequestID:    req.RequestID,
		MenuID:       req.MenuID,
		Items:        req.Items,
		DeliveryType: req.DeliveryType,
		Area:         req.Area,
		Location:     req.Location,
		Customer:     req.Customer,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, orderView(order))
}

func (h *HTTPHandler) GetOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	actor := actorFrom(c)
	if actor.Role == service.RoleAgent && order.AssignedAgentID != actor.ID {
		h.writeError(c, service.ErrNotAssigned)
		return
	}
	c.JSON(http.StatusOK, orderView(order))
}

// ListOrders filters by ?area=&agentId=&closed=true. Agents only ever see
// their own orders.
func (h *HTTPHandler) ListOrders(c *gin.Context) {
	filter, err := orderFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orders, err := h.orders.ListOrders(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderViews(orders))
}

func orderFilter(c *gin.Context) (port.OrderFilter, error) {
	filter := port.OrderFilter{Area: c.Query("area"), AgentID: c.Query("agentId")}
	if v := c.Query("closed"); v != "" {
		closed, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("closed must be a boolean")
		}
		filter.IncludeClosed = closed
	}
	if actor := actorFrom(c); actor.Role == service.RoleAgent {
		filter.AgentID = actor.ID
	}
	return filter, nil
}

func (h *HTTPHandler) MarkDelivered(c *gin.Context) {
	order, err := h.orders.MarkDelivered(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderView(order))
}

type UndeliverHTTPRequest struct {
	Reason string `json:"reason"`
}

func (h *HTTPHandler) MarkUndelivered(c *gin.Context) {
	var req UndeliverHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	order, err := h.orders.MarkUndelivered(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderView(order))
}

func (h *HTTPHandler) ListOpenMenus(c *gin.Context) {
	menus, err := h.menus.ListOpenMenus(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, menuViews(menus))
}

func (h *HTTPHandler) ListMenus(c *gin.Context) {
	menus, err := h.menus.ListMenus(c.Request.Context(), c.Query("archived") == "true")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, menuViews(menus))
}

func (h *HTTPHandler) GetMenu(c *gin.Context) {
	menu, err := h.menus.GetMenu(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, menuView(menu))
}

type PublishMenuHTTPRequest struct {
	Date     string            `json:"date"`
	MealType domain.MealType   `json:"mealType"`
	Items    []domain.MenuItem `json:"items"`
}

func (h *HTTPHandler) PublishMenu(c *gin.Context) {
	var req PublishMenuHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	menu, err := h.menus.PublishMenu(c.Request.Context(), service.PublishMenuRequest{
		Date:     req.Date,
		MealType: req.MealType,
		Items:    req.Items,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, menuView(menu))
}

type EditMenuHTTPRequest struct {
	Date       string          `json:"date"`
	MealType   domain.MealType `json:"mealType"`
	Quantities map[string]int  `json:"quantities"`
}

func (h *HTTPHandler) EditMenu(c *gin.Context) {
	var req EditMenuHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	menu, err := h.menus.EditMenu(c.Request.Context(), c.Param("id"), service.EditMenuRequest(req))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, menuView(menu))
}

func (h *HTTPHandler) StopOrders(c *gin.Context) {
	menu, err := h.menus.StopOrders(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, menuView(menu))
}

func (h *HTTPHandler) ArchiveMenu(c *gin.Context) {
	menu, err := h.menus.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, menuView(menu))
}

func (h *HTTPHandler) ListAgents(c *gin.Context) {
	agents, err := h.agents.ListAgents(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentViews(agents))
}

type AddAgentHTTPRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (h *HTTPHandler) AddAgent(c *gin.Context) {
	var req AddAgentHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.agents.AddAgent(c.Request.Context(), req.Name, req.Phone)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, AgentView{ID: agent.ID, Name: agent.Name, Active: agent.Active})
}

type SetActiveHTTPRequest struct {
	Active bool `json:"active"`
}

func (h *HTTPHandler) SetAgentActive(c *gin.Context) {
	var req SetActiveHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.agents.SetAgentActive(c.Request.Context(), c.Param("id"), req.Active)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AgentView{ID: agent.ID, Name: agent.Name, Active: agent.Active})
}

type RenameAgentHTTPRequest struct {
	Name string `json:"name"`
}

func (h *HTTPHandler) RenameAgent(c *gin.Context) {
	var req RenameAgentHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.agents.RenameAgent(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AgentView{ID: agent.ID, Name: agent.Name, Active: agent.Active})
}

func (h *HTTPHandler) DeleteAgent(c *gin.Context) {
	if err := h.agents.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAreas is public; checkout offers these areas to customers.
func (h *HTTPHandler) ListAreas(c *gin.Context) {
	areas, err := h.areas.ListAreas(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, areaViews(areas))
}

type AddAreaHTTPRequest struct {
	Name string `json:"name"`
}

func (h *HTTPHandler) AddArea(c *gin.Context) {
	var req AddAreaHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	area, err := h.areas.AddArea(c.Request.Context(), req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, AreaView{Name: area.Name})
}

func (h *HTTPHandler) DeleteArea(c *gin.Context) {
	if err := h.areas.DeleteArea(c.Request.Context(), c.Param("area")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) GetAssignment(c *gin.Context) {
	a, err := h.assignments.GetAssignment(c.Request.Context(), c.Param("area"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AssignmentView{Area: a.Area, AgentIDs: a.AgentIDs, LastIndex: a.LastIndex})
}

type SaveRosterHTTPRequest struct {
	AgentIDs []string `json:"agentIds"`
}

// SaveRoster replaces the area roster and reports the redistribution of its
// open orders.
func (h *HTTPHandler) SaveRoster(c *gin.Context) {
	var req SaveRosterHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	report, err := h.assignments.SaveRoster(c.Request.Context(), c.Param("area"), req.AgentIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	status, message := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request_failed", zap.String("method", c.Request.Method), zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusGone, err.Error()
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrNotAssigned):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, port.ErrTxAborted):
		return http.StatusServiceUnavailable, "too many concurrent updates, please retry"
	}
	return http.StatusInternalServerError, "internal error"
}
