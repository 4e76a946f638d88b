package core

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamdrop/internal/types"
)

func newRequestWithID(t *testing.T) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	return req.WithContext(types.WithRequestID(req.Context(), "req_test_123"))
}

func TestJSON_WritesEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, newRequestWithID(t), http.StatusCreated, APIResponse{Data: map[string]string{"id": "drop_1"}})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, map[string]any{"id": "drop_1"}, resp.Data)
}

func TestError_AppErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		code       types.ErrorCode
		wantStatus int
	}{
		{"validation", types.ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{"auth", types.ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{"permission", types.ErrCodePermissionReset, http.StatusForbidden},
		{"not found", types.ErrCodeNotFoundStreamer, http.StatusNotFound},
		{"upstream", types.ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{"internal", types.ErrCodeInternalUnexpected, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			Error(rr, newRequestWithID(t), types.NewAppError(tc.code, "boom", nil))

			assert.Equal(t, tc.wantStatus, rr.Code)

			var resp APIErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, string(tc.code), resp.Error.Code)
			assert.Equal(t, "req_test_123", resp.Error.RequestID)
		})
	}
}

func TestError_GenericErrorIsOpaque500(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, newRequestWithID(t), assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), assert.AnError.Error(), "internal error text never reaches clients")

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	decode := func(body string) error {
		req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(body))
		var dst payload
		return DecodeJSON(httptest.NewRecorder(), req, &dst)
	}

	t.Run("valid body", func(t *testing.T) {
		assert.NoError(t, decode(`{"name":"x"}`))
	})

	t.Run("empty body", func(t *testing.T) {
		assertDecodeFails(t, decode(""))
	})

	t.Run("malformed JSON", func(t *testing.T) {
		assertDecodeFails(t, decode(`{"name":`))
	})

	t.Run("unknown field", func(t *testing.T) {
		assertDecodeFails(t, decode(`{"name":"x","extra":true}`))
	})

	t.Run("trailing second value", func(t *testing.T) {
		assertDecodeFails(t, decode(`{"name":"x"}{"name":"y"}`))
	})

	t.Run("wrong field type", func(t *testing.T) {
		err := decode(`{"name":42}`)
		assertDecodeFails(t, err)
		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "name", appErr.Details["field"])
	})

	t.Run("oversized body", func(t *testing.T) {
		assertDecodeFails(t, decode(`{"name":"`+strings.Repeat("a", maxRequestBodySize)+`"}`))
	})
}

func assertDecodeFails(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
}
