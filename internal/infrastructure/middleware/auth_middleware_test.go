package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshsfu/internal/core/services"
)

func newTicketRouter(tickets services.TicketService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TicketAuthMiddleware(tickets, "sfu1"))
	router.GET("/signal", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(SessionIDKey))
	})
	return router
}

func TestTicketAuthMiddleware(t *testing.T) {
	tickets := services.NewTicketService("secret", time.Minute)
	router := newTicketRouter(tickets)

	good, err := tickets.Issue("sess-1", "sfu1")
	require.NoError(t, err)
	other, err := tickets.Issue("sess-2", "sfu2")
	require.NoError(t, err)

	t.Run("query ticket", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/signal?ticket="+good, nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "sess-1", w.Body.String())
	})

	t.Run("bearer ticket", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/signal", nil)
		req.Header.Set("Authorization", "Bearer "+good)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/signal", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/signal", nil)
		req.Header.Set("Authorization", "Token "+good)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("other node", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/signal?ticket="+other, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "another node")
	})
}
