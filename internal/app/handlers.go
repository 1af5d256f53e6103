package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatcart/chatcart/internal/queue"
	"github.com/chatcart/chatcart/pkg/errors"
)

// respondError maps typed errors to HTTP responses. Rate limit errors carry
// a Retry-After header so well-behaved clients stop hammering.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch errors.GetType(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeInvalidOperation:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeRateLimit:
		status = http.StatusTooManyRequests
		if resetAt, ok := errors.GetResetAt(err); ok {
			seconds := int(time.Until(resetAt).Seconds()) + 1
			if seconds > 0 {
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
		}
	case errors.ErrorTypeCircuitOpen, errors.ErrorTypeConnection:
		status = http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	case errors.ErrorTypeExternal:
		status = http.StatusBadGateway
	}

	body := gin.H{
		"type":    errors.GetType(err),
		"message": err.Error(),
	}
	if appErr, ok := err.(*errors.AppError); ok && len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}

	c.JSON(status, gin.H{"error": body})
}

// createMessageRequest is the body of POST /api/v1/messages
type createMessageRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	Text        string `json:"text" binding:"required"`
	Priority    string `json:"priority"`
}

func parsePriority(s string) queue.Priority {
	switch s {
	case "high":
		return queue.PriorityHigh
	case "low":
		return queue.PriorityLow
	default:
		return queue.PriorityNormal
	}
}

// createMessage enqueues an outbound direct message
func (a *App) createMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewValidationError(err.Error()))
		return
	}

	job, err := queue.NewJob(queue.JobTypeSendMessage, sendMessagePayload{
		RecipientID: req.RecipientID,
		Text:        req.Text,
	}, parsePriority(req.Priority), a.cfg.Queue.MaxAttempts)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := a.Queue.Enqueue(c.Request.Context(), job); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// syncCatalogRequest is the body of POST /api/v1/catalog/sync
type syncCatalogRequest struct {
	Items []catalogItem `json:"items" binding:"required"`
}

// syncCatalog enqueues a catalog refresh
func (a *App) syncCatalog(c *gin.Context) {
	var req syncCatalogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewValidationError(err.Error()))
		return
	}

	job, err := queue.NewJob(queue.JobTypeSyncCatalog, syncCatalogPayload{Items: req.Items},
		queue.PriorityLow, a.cfg.Queue.MaxAttempts)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := a.Queue.Enqueue(c.Request.Context(), job); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"items":  len(req.Items),
	})
}

// getUser serves a user profile, read through the cache. A degraded cache
// falls back to the Graph API transparently.
func (a *App) getUser(c *gin.Context) {
	userID := c.Param("id")
	ctx := c.Request.Context()
	key := "profile:" + userID

	var cached map[string]interface{}
	found, err := a.Cache.GetJSON(ctx, key, &cached)
	if err == nil && found {
		a.metrics.RecordCacheOperation("hit")
		c.JSON(http.StatusOK, gin.H{"profile": cached, "cached": true})
		return
	}
	a.metrics.RecordCacheOperation("miss")

	start := time.Now()
	profile, err := a.Graph.GetUserProfile(ctx, userID)
	a.recordGraphOutcome("get_user_profile", start, err)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := a.Cache.SetJSON(ctx, key, profile, 10*time.Minute); err != nil {
		a.logger.Warn("Failed to cache profile", "user_id", userID, "error", err.Error())
	}

	c.JSON(http.StatusOK, gin.H{"profile": profile, "cached": false})
}

// replyToCommentRequest is the body of POST /api/v1/comments/:id/replies
type replyToCommentRequest struct {
	Text string `json:"text" binding:"required"`
}

// replyToComment posts a comment reply synchronously
func (a *App) replyToComment(c *gin.Context) {
	var req replyToCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.NewValidationError(err.Error()))
		return
	}

	start := time.Now()
	result, err := a.Graph.ReplyToComment(c.Request.Context(), c.Param("id"), req.Text)
	a.recordGraphOutcome("reply_to_comment", start, err)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// resilienceStatus reports the live state of every resilience component
func (a *App) resilienceStatus(c *gin.Context) {
	ctx := c.Request.Context()

	queueSize, err := a.Queue.Len(ctx)
	if err != nil {
		queueSize = -1
	}

	response := gin.H{
		"breaker": a.GraphBreaker.GetStats(),
		"backoff": gin.H{
			"graph": a.GraphBackoff.ShouldBackOff(),
			"redis": a.RedisBackoff.ShouldBackOff(),
		},
		"connections": a.Manager.AllConnectionInfo(),
		"worker":      a.Worker.Stats(),
		"cache":       a.Cache.Stats(),
		"queue_size":  queueSize,
	}

	if resetAt, limited := a.Manager.RateLimitedUntil(); limited {
		response["rate_limited_until"] = resetAt
	}

	c.JSON(http.StatusOK, response)
}

// resetBreaker force-closes the Graph API breaker
func (a *App) resetBreaker(c *gin.Context) {
	a.GraphBreaker.Reset()
	c.JSON(http.StatusOK, gin.H{
		"breaker": a.GraphBreaker.Name(),
		"state":   a.GraphBreaker.State().String(),
	})
}
