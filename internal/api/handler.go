package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"trade-service/internal/auth"
	"trade-service/internal/models"
	"trade-service/internal/realtime"
	"trade-service/internal/service"
	"trade-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve requests
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	tradeService  *service.TradeService
	offerService  *service.OfferService
	hub           *realtime.Hub
	authenticator *auth.Authenticator
	limiter       *RateLimiter

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// NewHandler creates a new HTTP handler
func NewHandler(
	tradeService *service.TradeService,
	offerService *service.OfferService,
	hub *realtime.Hub,
	authenticator *auth.Authenticator,
	limiter *RateLimiter,
) *Handler {
	return &Handler{
		tradeService:  tradeService,
		offerService:  offerService,
		hub:           hub,
		authenticator: authenticator,
		limiter:       limiter,
		checks:        make(map[string]ReadinessCheck),
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws", authMiddleware(h.authenticator, true), h.hub.ServeWS)

	v1 := router.Group("/api/v1", authMiddleware(h.authenticator, false))
	mutating := h.limiter.Middleware()
	{
		v1.POST("/trades", mutating, h.createTrade)
		v1.GET("/trades", h.listTrades)
		v1.GET("/trades/:id", h.getTrade)
		v1.POST("/trades/:id/transitions", mutating, h.transition)
		v1.PATCH("/trades/:id/price", mutating, h.updatePrice)
		v1.GET("/trades/:id/verify-transfer", h.verifyTransfer)

		v1.POST("/offers", mutating, h.createOffer)
		v1.GET("/offers", h.listOffers)
		v1.GET("/offers/:id", h.getOffer)
		v1.POST("/offers/:id/accept", mutating, h.acceptOffer)
		v1.POST("/offers/:id/decline", mutating, h.declineOffer)
		v1.POST("/offers/:id/counter", mutating, h.counterOffer)
		v1.POST("/offers/:id/cancel", mutating, h.cancelOffer)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"time":        time.Now().Unix(),
		"connections": h.hub.ConnectionCount(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	h.mu.RLock()
	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	h.mu.RUnlock()

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createTrade handles trade creation from a listing
func (h *Handler) createTrade(c *gin.Context) {
	var req service.CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	trade, err := h.tradeService.CreateTrade(c.Request.Context(), identity(c), &req, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

// listTrades returns the caller's trade summaries
func (h *Handler) listTrades(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	filter := models.TradeFilter{
		Role:        models.Role(c.Query("role")),
		StatusClass: models.StatusClass(c.Query("status")),
		Limit:       limit,
	}

	trades, err := h.tradeService.ListTrades(c.Request.Context(), identity(c).UserID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// getTrade handles get trade by ID
func (h *Handler) getTrade(c *gin.Context) {
	trade, err := h.tradeService.GetTrade(c.Request.Context(), c.Param("id"), identity(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

// transition applies a lifecycle action to a trade
func (h *Handler) transition(c *gin.Context) {
	var req service.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	trade, err := h.tradeService.Transition(c.Request.Context(), c.Param("id"), identity(c).UserID, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

type updatePriceRequest struct {
	Price models.Money `json:"price"`
}

func (h *Handler) updatePrice(c *gin.Context) {
	var req updatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	trade, err := h.tradeService.UpdatePrice(c.Request.Context(), c.Param("id"), identity(c).UserID, req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (h *Handler) verifyTransfer(c *gin.Context) {
	check, err := h.tradeService.VerifyItemTransferred(c.Request.Context(), c.Param("id"), identity(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (h *Handler) createOffer(c *gin.Context) {
	var req service.CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	offer, err := h.offerService.CreateOffer(c.Request.Context(), identity(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (h *Handler) listOffers(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}

	offers, err := h.offerService.ListOffers(c.Request.Context(), identity(c).UserID, store.OfferRole(c.Query("role")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) getOffer(c *gin.Context) {
	offer, err := h.offerService.GetOffer(c.Request.Context(), c.Param("id"), identity(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) acceptOffer(c *gin.Context) {
	h.answerOffer(c, h.offerService.AcceptOffer)
}

func (h *Handler) declineOffer(c *gin.Context) {
	h.answerOffer(c, h.offerService.DeclineOffer)
}

func (h *Handler) cancelOffer(c *gin.Context) {
	h.answerOffer(c, h.offerService.CancelOffer)
}

func (h *Handler) counterOffer(c *gin.Context) {
	var req service.CounterOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.offerService.CounterOffer(c.Request.Context(), c.Param("id"), identity(c).UserID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) answerOffer(c *gin.Context, answer func(ctx context.Context, offerID, userID string) (*service.OfferResult, error)) {
	result, err := answer(c.Request.Context(), c.Param("id"), identity(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
