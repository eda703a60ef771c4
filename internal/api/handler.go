package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"collect-service/internal/models"
	"collect-service/internal/service"
	"collect-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	preparer    *service.Preparer
	reconciler  *service.Reconciler
	fulfillment *service.Fulfillment
}

// NewHandler creates a new HTTP handler
func NewHandler(preparer *service.Preparer, reconciler *service.Reconciler, fulfillment *service.Fulfillment) *Handler {
	return &Handler{
		preparer:    preparer,
		reconciler:  reconciler,
		fulfillment: fulfillment,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/collect/prepare", h.prepareCollect)
		v1.POST("/purchase/prepare", h.preparePurchase)
		v1.GET("/reservations/:id/status", h.reservationStatus)
		v1.GET("/posts/:id/reservation", h.activeReservation)
		v1.POST("/reservations/:id/submit", h.submitSignature)
		v1.POST("/reservations/:id/fulfill", h.fulfill)
		v1.POST("/reservations/:id/cancel", h.cancel)
		v1.POST("/webhooks/chain", h.chainWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type prepareRequest struct {
	PostID        int64  `json:"post_id" binding:"required"`
	WalletAddress string `json:"wallet_address"`
}

// prepareCollect reserves a free collect for the authenticated user
func (h *Handler) prepareCollect(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req prepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.preparer.PrepareCollect(c.Request.Context(), userID, req.PostID, req.WalletAddress, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// preparePurchase reserves a paid purchase and returns the unsigned transaction
func (h *Handler) preparePurchase(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req prepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.preparer.PreparePurchase(c.Request.Context(), userID, req.PostID, req.WalletAddress, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// reservationStatus returns the current reservation state, re-checking the
// chain when the row is still in flight
func (h *Handler) reservationStatus(c *gin.Context) {
	kind, ok := parseKind(c, c.Query("kind"))
	if !ok {
		return
	}

	result, err := h.reconciler.Poll(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// activeReservation resolves the caller's live reservation for a post so a
// reloaded client can re-enter its flow
func (h *Handler) activeReservation(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	kind, ok := parseKind(c, c.Query("kind"))
	if !ok {
		return
	}
	postID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post ID"})
		return
	}

	result, err := h.reconciler.ActiveStatus(c.Request.Context(), kind, userID, postID)
	if err != nil {
		writeError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	c.JSON(http.StatusOK, result)
}

type submitRequest struct {
	Signature string `json:"signature" binding:"required"`
}

// submitSignature records the signature of a client-submitted purchase
func (h *Handler) submitSignature(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.preparer.SubmitSignature(c.Request.Context(), c.Param("id"), req.Signature)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// fulfill mints the edition for a paid purchase
func (h *Handler) fulfill(c *gin.Context) {
	result, err := h.fulfillment.Fulfill(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// cancel releases an unsubmitted reservation
func (h *Handler) cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	kind, ok := parseKind(c, req.Kind)
	if !ok {
		return
	}

	if err := h.preparer.Cancel(c.Request.Context(), kind, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// chainWebhook ingests transaction events from the chain indexer. The
// indexer's delivery format varies, so a single object, a bare array, and an
// array wrapped in an "events" field are all accepted.
func (h *Handler) chainWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	events, err := parseWebhookBody(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid webhook payload",
			"details": err.Error(),
		})
		return
	}

	processed := h.reconciler.HandleWebhookEvents(c.Request.Context(), events)

	c.JSON(http.StatusOK, gin.H{
		"received":  len(events),
		"processed": processed,
	})
}

func parseWebhookBody(body []byte) ([]service.WebhookEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var events []service.WebhookEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var wrapped struct {
		Events []service.WebhookEvent `json:"events"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err == nil && len(wrapped.Events) > 0 {
		return wrapped.Events, nil
	}

	var single service.WebhookEvent
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []service.WebhookEvent{single}, nil
}

func requireUser(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid X-User-ID header"})
		return 0, false
	}
	return userID, true
}

func parseKind(c *gin.Context, raw string) (models.ReservationKind, bool) {
	switch models.ReservationKind(raw) {
	case models.KindCollection:
		return models.KindCollection, true
	case models.KindPurchase:
		return models.KindPurchase, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be collection or purchase"})
		return "", false
	}
}

func writeError(c *gin.Context, err error) {
	if derr, ok := service.AsDomainError(err); ok {
		resp := gin.H{
			"error": derr.Message,
			"code":  derr.Code,
		}
		if derr.RetryAfter > 0 {
			resp["retry_after"] = int64(derr.RetryAfter.Seconds())
			c.Header("Retry-After", strconv.FormatInt(int64(derr.RetryAfter.Seconds()), 10))
		}
		c.JSON(domainStatus(derr.Code), resp)
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Internal error",
		"details": err.Error(),
	})
}

func domainStatus(code string) int {
	switch code {
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeRateLimited:
		return http.StatusTooManyRequests
	case service.CodeInsufficientFunds, service.CodePaymentRequired:
		return http.StatusPaymentRequired
	case service.CodeAlreadyCollected, service.CodeSoldOut, service.CodeInvalidState:
		return http.StatusConflict
	case service.CodeNotStarted, service.CodeEnded, service.CodeWalletNotLinked:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
