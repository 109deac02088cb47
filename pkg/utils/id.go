package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// GenerateID returns a UUID prefixed with prefix and an underscore.
func GenerateID(prefix string) string {
	if prefix == "" {
		return NewID()
	}
	return prefix + "_" + NewID()
}

// GenerateSessionID generates a unique balancer session ID
func GenerateSessionID() string {
	return GenerateID("sess")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateTraceID returns 32 lowercase hex characters.
func GenerateTraceID() string {
	return strings.ReplaceAll(NewID(), "-", "")
}
