package middleware

import (
	"errors"
	"strings"

	"meshsfu/internal/core/domain"
	"meshsfu/internal/core/services"
	apperrors "meshsfu/pkg/errors"

	"github.com/gin-gonic/gin"
)

// SessionIDKey is the gin context key holding the verified ticket session.
const SessionIDKey = "session_id"

// ticketFromRequest reads the ticket from the Authorization header or, for
// browser websocket upgrades that cannot set headers, the ticket query value.
func ticketFromRequest(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if ticket := c.Query("ticket"); ticket != "" {
		return ticket, true
	}
	return "", false
}

// TicketAuthMiddleware requires a connection ticket issued for nodeID.
func TicketAuthMiddleware(tickets services.TicketService, nodeID domain.NodeID) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, ok := ticketFromRequest(c)
		if !ok {
			abortUnauthorized(c, "connection ticket required")
			return
		}

		claims, err := tickets.Verify(ticket, nodeID)
		if err != nil {
			msg := "invalid connection ticket"
			switch {
			case errors.Is(err, services.ErrExpiredTicket):
				msg = "connection ticket expired"
			case errors.Is(err, services.ErrWrongNode):
				msg = "connection ticket issued for another node"
			}
			abortUnauthorized(c, msg)
			return
		}

		c.Set(SessionIDKey, claims.SessionID)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	abortWith(c, apperrors.NewUnauthorizedError(msg))
}
