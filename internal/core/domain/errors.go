package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyExists            = errors.New("already exists")
	ErrInvalidParameters        = errors.New("invalid parameters")
	ErrCapacityExhausted        = errors.New("capacity exhausted")
	ErrIncompatibleCapabilities = errors.New("incompatible capabilities")
	ErrPeerUnreachable          = errors.New("peer unreachable")
	ErrInvariantViolation       = errors.New("internal invariant violation")
)

var (
	ErrRoomNotFound        = fmt.Errorf("room %w", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	ErrTransportNotFound   = fmt.Errorf("transport %w", ErrNotFound)
	ErrProducerNotFound    = fmt.Errorf("producer %w", ErrNotFound)
	ErrConsumerNotFound    = fmt.Errorf("consumer %w", ErrNotFound)
	ErrNodeNotFound        = fmt.Errorf("node %w", ErrNotFound)
	ErrRelayLinkNotFound   = fmt.Errorf("relay link %w", ErrNotFound)

	ErrAlreadyJoined = fmt.Errorf("participant %w in room", ErrAlreadyExists)

	ErrRoomFull         = fmt.Errorf("room full: %w", ErrCapacityExhausted)
	ErrNoAvailableNodes = fmt.Errorf("no available nodes: %w", ErrCapacityExhausted)
)

// InvalidParams wraps ErrInvalidParameters with a description.
func InvalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameters, fmt.Sprintf(format, args...))
}

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
