// Package common provides shared HTTP utility functions for API handlers.
package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// GetAndValidateURLParam extracts, decodes, and validates a URL parameter from the request.
// Returns the decoded value or an error if invalid.
// Validation rules:
// - Must not be empty after trimming whitespace
// - Must not contain any whitespace characters
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	// chi leaves path parameters encoded
	encodedValue := chi.URLParam(r, paramName)

	decoded, err := url.PathUnescape(encodedValue)
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}

	// Validate - check if empty
	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}

	// Validate - check for whitespace
	if strings.ContainsAny(decoded, " \t\n\r") {
		return "", fmt.Errorf("%s cannot contain whitespace", paramName)
	}

	return decoded, nil
}

// GetIDParam extracts a positive integer entity id from the request.
// Document set, user group and cc-pair ids are database serials, so zero and
// negative values are rejected along with anything that is not a number.
func GetIDParam(r *http.Request, paramName string) (int64, error) {
	value, err := GetAndValidateURLParam(r, paramName)
	if err != nil {
		return 0, err
	}
	// Validate - must parse as a positive base 10 integer
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", paramName)
	}
	return id, nil
}
