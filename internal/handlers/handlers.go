package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/example/currency-check/internal/usecase"
)

// RequestIDHeader carries the per-upload request ID on check responses.
const RequestIDHeader = "X-Request-ID"

// HealthMessage is returned by the health endpoint.
const HealthMessage = "Currency detector backend is running"

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.CheckUseCase) {
	api := router.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK", "message": HealthMessage})
	})

	api.POST("/check-currency", func(c *gin.Context) {
		// A missing or unreadable form file reaches the use case as nil.
		file, _ := c.FormFile("image")

		requestID, verdict, err := uc.CheckCurrency(c.Request.Context(), file)
		c.Header(RequestIDHeader, requestID)
		if err != nil {
			status, body := MapError(err)
			c.JSON(status, body)
			return
		}

		c.JSON(http.StatusOK, verdict)
	})

	api.GET("/result/:id", func(c *gin.Context) {
		record, err := uc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, usecase.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, ErrorResponse{Error: "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrHistoryDisabled) {
				c.JSON(http.StatusNotFound, ErrorResponse{Error: "history disabled"})
				return
			}
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// CORS allows the browser front end to call the API. A "*" entry allows any origin.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}

	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			break
		}
	}
	if !cfg.AllowAllOrigins {
		if len(origins) == 0 {
			cfg.AllowAllOrigins = true
		} else {
			cfg.AllowOrigins = origins
		}
	}
	return cors.New(cfg)
}
