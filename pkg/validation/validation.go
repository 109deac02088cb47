package validation

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	// IDRegex matches node, room, participant and media object ids.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	// FingerprintRegex matches colon separated uppercase or lowercase hex pairs.
	FingerprintRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:)+[0-9A-Fa-f]{2}$`)
)

const maxIDLength = 128

var fingerprintAlgorithms = map[string]bool{
	"sha-1":   true,
	"sha-224": true,
	"sha-256": true,
	"sha-384": true,
	"sha-512": true,
}

// srtpKeyLengths maps a crypto suite to its master key+salt length in bytes.
var srtpKeyLengths = map[string]int{
	"AES_CM_128_HMAC_SHA1_80": 30,
	"AES_CM_128_HMAC_SHA1_32": 30,
	"AEAD_AES_128_GCM":        28,
	"AEAD_AES_256_GCM":        44,
}

// ValidateID validates an identifier supplied by a client or peer.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateKind accepts "audio" or "video".
func ValidateKind(kind string) error {
	switch kind {
	case "audio", "video":
		return nil
	case "":
		return fmt.Errorf("kind is required")
	default:
		return fmt.Errorf("kind must be audio or video, got %q", kind)
	}
}

// ValidateFingerprint validates one DTLS certificate fingerprint.
func ValidateFingerprint(algorithm, value string) error {
	if !fingerprintAlgorithms[strings.ToLower(algorithm)] {
		return fmt.Errorf("unsupported fingerprint algorithm %q", algorithm)
	}
	if !FingerprintRegex.MatchString(value) {
		return fmt.Errorf("malformed fingerprint value")
	}
	return nil
}

// ValidateDTLSRole accepts auto, client and server. Empty means auto.
func ValidateDTLSRole(role string) error {
	switch role {
	case "", "auto", "client", "server":
		return nil
	default:
		return fmt.Errorf("invalid dtls role %q", role)
	}
}

// ValidateSRTP validates a crypto suite and its base64 master key.
func ValidateSRTP(suite, keyBase64 string) error {
	want, ok := srtpKeyLengths[suite]
	if !ok {
		return fmt.Errorf("unsupported srtp crypto suite %q", suite)
	}
	if keyBase64 == "" {
		return fmt.Errorf("srtp key is required")
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("srtp key is not valid base64: %w", err)
	}
	if len(key) != want {
		return fmt.Errorf("srtp key for %s must be %d bytes, got %d", suite, want, len(key))
	}
	return nil
}

// ValidateEndpoint validates a relay endpoint.
func ValidateEndpoint(ip string, port int) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("invalid endpoint ip %q", ip)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("endpoint port must be in 1..65535")
	}
	return nil
}

// ValidateURL validates an http(s) URL such as a node or coordinator address.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateHostPort validates a node's advertised host and port.
func ValidateHostPort(host string, port int) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("host is required")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be in 1..65535")
	}
	return nil
}
