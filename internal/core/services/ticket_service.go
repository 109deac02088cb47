package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"meshsfu/internal/core/domain"
)

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrExpiredTicket = errors.New("ticket has expired")
	ErrWrongNode     = errors.New("ticket issued for another node")
)

// TicketService issues and verifies the short-lived connection tickets a
// balancer hands out with a node assignment.
type TicketService interface {
	Issue(sessionID string, nodeID domain.NodeID) (string, error)
	Verify(ticket string, nodeID domain.NodeID) (*TicketClaims, error)
}

type TicketClaims struct {
	SessionID string        `json:"sid"`
	NodeID    domain.NodeID `json:"node"`
	jwt.RegisteredClaims
}

type ticketService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTicketService(secret string, ttl time.Duration) TicketService {
	return &ticketService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *ticketService) Issue(sessionID string, nodeID domain.NodeID) (string, error) {
	if sessionID == "" || nodeID == "" {
		return "", domain.InvalidParams("session and node are required")
	}
	now := s.now()
	claims := &TicketClaims{
		SessionID: sessionID,
		NodeID:    nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of a ticket and that it names
// nodeID. An empty nodeID accepts a ticket for any node.
func (s *ticketService) Verify(ticket string, nodeID domain.NodeID) (*TicketClaims, error) {
	token, err := jwt.ParseWithClaims(ticket, &TicketClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidTicket
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredTicket
		}
		return nil, ErrInvalidTicket
	}

	claims, ok := token.Claims.(*TicketClaims)
	if !ok || !token.Valid || claims.SessionID == "" {
		return nil, ErrInvalidTicket
	}
	if nodeID != "" && claims.NodeID != nodeID {
		return nil, ErrWrongNode
	}
	return claims, nil
}
