// Package validation provides request validation helpers for the HTTP API and
// payload ingestion.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// MaxUserIDLength bounds user and seller identifiers.
const MaxUserIDLength = 255

// userIDRegex allows the identifier shapes seen from upstream systems:
// account numbers, emails, UUIDs, and namespaced ids like "shop:42".
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9._@:+\-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is an acceptable user identifier
func IsValidUserID(id string) bool {
	return id != "" && len(id) <= MaxUserIDLength && userIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)

	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks if a field is a well-formed user identifier
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-255 chars of letters, digits or . _ @ : + -"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Latitude checks a required latitude in [-90, 90]
func Latitude(field string, value *float64) func() *ValidationError {
	return coordinate(field, value, 90)
}

// Longitude checks a required longitude in [-180, 180]
func Longitude(field string, value *float64) func() *ValidationError {
	return coordinate(field, value, 180)
}

func coordinate(field string, value *float64, limit float64) func() *ValidationError {
	return func() *ValidationError {
		if value == nil {
			return &ValidationError{Field: field, Message: "is required"}
		}
		v := *value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: field, Message: "must be a finite number"}
		}
		if v < -limit || v > limit {
			return &ValidationError{Field: field, Message: "is out of range"}
		}
		return nil
	}
}

// UserParamMiddleware validates the :user URL parameter on routes that use it.
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.Param("user")
		if user != "" && !IsValidUserID(user) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user",
				"message": "user must be 1-255 chars of letters, digits or . _ @ : + -",
			})
			return
		}
		c.Next()
	}
}
