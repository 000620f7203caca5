package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"linkbridge/internal/linkerr"
	"linkbridge/internal/linking"
	"linkbridge/internal/middleware"
)

type LinkHandler struct {
	Service *linking.Service
	Logger  *zap.Logger
}

type secondFactorBody struct {
	Secret string `json:"secret" binding:"required"`
}

func (h *LinkHandler) Start(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	res, err := h.Service.StartLinking(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Status == linking.StartError {
		c.JSON(statusForKind(res.ErrorCode), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *LinkHandler) Status(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	st, err := h.Service.PollStatus(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeRetryAfter(c, st)
	c.JSON(http.StatusOK, st)
}

func (h *LinkHandler) SecondFactor(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body secondFactorBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	st, err := h.Service.SubmitSecondFactor(c.Request.Context(), userID, body.Secret)
	if err != nil {
		h.writeError(c, err)
		return
	}
	writeRetryAfter(c, st)
	c.JSON(http.StatusOK, st)
}

func (h *LinkHandler) Reset(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	st, err := h.Service.ResetLinking(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *LinkHandler) Logout(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	view, err := h.Service.Logout(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": view})
}

func (h *LinkHandler) Account(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	view, err := h.Service.Account(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": view})
}

func (h *LinkHandler) Attempts(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	entries, err := h.Service.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": entries})
}

func (h *LinkHandler) writeError(c *gin.Context, err error) {
	var le *linkerr.Error
	if errors.As(err, &le) {
		if le.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(le.RetryAfter.Seconds())))
		}
		c.JSON(statusForKind(le.Kind), gin.H{"error": le.Public(), "error_code": le.Kind})
		return
	}
	h.Logger.Error("link request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "error_code": linkerr.Unknown})
}

func writeRetryAfter(c *gin.Context, st linking.Status) {
	if st.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(st.RetryAfter))
	}
}

func statusForKind(kind linkerr.Kind) int {
	switch kind {
	case linkerr.Conflict:
		return http.StatusConflict
	case linkerr.Configuration, linkerr.Transient:
		return http.StatusServiceUnavailable
	case linkerr.InvalidSecret:
		return http.StatusUnprocessableEntity
	case linkerr.ProtocolExpired:
		return http.StatusGone
	case linkerr.Canceled:
		return http.StatusConflict
	}
	return http.StatusBadGateway
}
