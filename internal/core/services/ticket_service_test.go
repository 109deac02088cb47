package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketService_IssueAndVerify(t *testing.T) {
	svc := NewTicketService("secret", time.Minute)

	ticket, err := svc.Issue("sess-1", "sfu1")
	require.NoError(t, err)

	claims, err := svc.Verify(ticket, "sfu1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.EqualValues(t, "sfu1", claims.NodeID)

	_, err = svc.Verify(ticket, "")
	assert.NoError(t, err)
}

func TestTicketService_RejectsOtherNode(t *testing.T) {
	svc := NewTicketService("secret", time.Minute)
	ticket, err := svc.Issue("sess-1", "sfu1")
	require.NoError(t, err)

	_, err = svc.Verify(ticket, "sfu2")
	assert.ErrorIs(t, err, ErrWrongNode)
}

func TestTicketService_RejectsForeignSignature(t *testing.T) {
	ticket, err := NewTicketService("other", time.Minute).Issue("sess-1", "sfu1")
	require.NoError(t, err)

	_, err = NewTicketService("secret", time.Minute).Verify(ticket, "sfu1")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = NewTicketService("secret", time.Minute).Verify("not-a-jwt", "sfu1")
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

func TestTicketService_Expiry(t *testing.T) {
	svc := NewTicketService("secret", time.Minute).(*ticketService)
	now := time.Now()
	svc.now = func() time.Time { return now }

	ticket, err := svc.Issue("sess-1", "sfu1")
	require.NoError(t, err)

	svc.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = svc.Verify(ticket, "sfu1")
	assert.ErrorIs(t, err, ErrExpiredTicket)
}

func TestTicketService_IssueRequiresIDs(t *testing.T) {
	svc := NewTicketService("secret", time.Minute)
	_, err := svc.Issue("", "sfu1")
	assert.Error(t, err)
}
