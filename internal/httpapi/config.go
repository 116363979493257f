package httpapi

import (
	"errors"
	"strings"
)

// Config holds the HTTP façade configuration.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
}

// Validate checks that every required field is present.
func (config Config) Validate() error {
	if strings.TrimSpace(config.ListenAddr) == "" {
		return errors.New("listen addr is required")
	}
	if len(config.AllowedOrigins) == 0 {
		return errors.New("allowed origins are required")
	}
	if config.JWTSigningKey == "" {
		return errors.New("jwt signing key is required")
	}
	if strings.TrimSpace(config.JWTIssuer) == "" {
		return errors.New("jwt issuer is required")
	}
	return nil
}

// ParseAllowedOrigins splits a comma-separated origin list.
func ParseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
