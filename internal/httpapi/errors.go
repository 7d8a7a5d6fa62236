package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/obs"
	"shopfloor.dev/internal/workflow"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{auth.ErrAccountInactive, http.StatusForbidden, "account_inactive"},
	{auth.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{auth.ErrTokenReused, http.StatusUnauthorized, "token_reused"},
	{auth.ErrTokenInvalid, http.StatusUnauthorized, "token_invalid"},
	{auth.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{workflow.ErrOutOfOrderTransition, http.StatusConflict, "out_of_order_transition"},
	{workflow.ErrTemplateMismatch, http.StatusUnprocessableEntity, "template_mismatch"},
	{workflow.ErrNoActiveBundle, http.StatusConflict, "no_active_bundle"},
	{workflow.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{bundle.ErrConflict, http.StatusConflict, "concurrent_modification"},
	{bundle.ErrInvalidStatusTransition, http.StatusConflict, "invalid_status_transition"},
	{auth.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{auth.ErrNotFound, http.StatusNotFound, "not_found"},
	{workflow.ErrNotFound, http.StatusNotFound, "not_found"},
	{bundle.ErrNotFound, http.StatusNotFound, "not_found"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{workflow.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{bundle.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
}

// respondError maps domain errors onto status codes and stable error codes.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			payload := errorPayload(r, m.code, err.Error())
			if workflow.Retryable(err) {
				payload["retryable"] = true
			}
			writeJSON(w, m.status, payload)
			return
		}
	}
	obs.Logger().Error().Err(err).Str("request_id", RequestIDFromContext(r)).Msg("request failed")
	writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorPayload(r, code, msg))
}

func errorPayload(r *http.Request, code, msg string) map[string]any {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}

// decodeJSON reads exactly one JSON object. An empty body is allowed when optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// decodeOrFail decodes the body and writes the error response itself on failure.
func decodeOrFail(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := decodeJSON(r, dst, optional)
	if err == nil {
		return true
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return false
	}
	writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	return false
}
