// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/maintenance"
	"github.com/tomtom215/mycelium-backup/internal/orchestrator"
	"github.com/tomtom215/mycelium-backup/internal/validation"
)

// Error codes carried in the response envelope.
const (
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeNotRunning          = "NOT_RUNNING"
	CodeNotFound            = "NOT_FOUND"
	CodeLocationUnsupported = "LOCATION_UNSUPPORTED"
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Response is the envelope of every JSON response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// sanitizeLogValue removes control characters from strings to prevent log injection attacks.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// respondJSON sends a JSON response with proper headers
func respondJSON(w http.ResponseWriter, status int, response *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	data, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func respondData(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &Response{Success: true, Data: data})
}

// respondError sends an error response. err is logged, never returned to the
// client.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Str("code", sanitizeLogValue(code)).Str("error", sanitizeLogValue(err.Error())).Msg("API Error")
	}
	respondJSON(w, status, &Response{Success: false, Error: message, Code: code})
}

// respondValidationError returns 400 with the per-field messages as data.
func respondValidationError(w http.ResponseWriter, err error) {
	var ve *validation.RequestValidationError
	resp := &Response{Success: false, Error: err.Error(), Code: CodeValidation}
	if errors.As(err, &ve) {
		resp.Data = ve.Fields()
	}
	respondJSON(w, http.StatusBadRequest, resp)
}

// errorStatus maps a domain error to its HTTP status and code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrAlreadyRunning):
		return http.StatusConflict, CodeAlreadyRunning
	case errors.Is(err, jobs.ErrNotRunning):
		return http.StatusBadRequest, CodeNotRunning
	case errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, orchestrator.ErrLocationUnsupported):
		return http.StatusUnprocessableEntity, CodeLocationUnsupported
	case validation.IsValidationError(err),
		errors.Is(err, backup.ErrInvalidName),
		errors.Is(err, maintenance.ErrInvalidMonths),
		errors.Is(err, orchestrator.ErrInvalidPath):
		return http.StatusBadRequest, CodeValidation
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// respondDomainError writes err with the status errorStatus picks. Client
// errors carry their message; server errors are logged and masked.
func respondDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		respondError(w, status, code, "internal server error", err)
		return
	}
	respondJSON(w, status, &Response{Success: false, Error: err.Error(), Code: code})
}

// decodeBody decodes an optional JSON body into dst and validates it. An
// empty body leaves dst at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", nil)
			return false
		}
	}
	if err := validation.ValidateStruct(dst); err != nil {
		respondValidationError(w, err)
		return false
	}
	return true
}
