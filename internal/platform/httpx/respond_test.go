package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type inUse struct{ users int }

func (e inUse) Error() string { return "role in use" }
func (e inUse) Unwrap() error { return ErrConflict }
func (e inUse) ProblemExtensions() map[string]any {
	return map[string]any{"reason": "in_use", "user_count": e.users}
}

func TestRespondErrorStatuses(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("role: %w", ErrNotFound), http.StatusNotFound},
		{ErrDuplicate, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		RespondError(rr, tt.err)
		require.Equal(t, tt.status, rr.Code, tt.err.Error())
		require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New(`FATAL: password authentication failed for user "odyssey"`))
	require.NotContains(t, rr.Body.String(), "password")
}

func TestRespondErrorCarriesExtensions(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, inUse{users: 3})
	require.Equal(t, http.StatusConflict, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "in_use", body["reason"])
	require.EqualValues(t, 3, body["user_count"])
	require.EqualValues(t, 409, body["status"])
	require.Equal(t, "Conflict", body["title"])
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	require.Error(t, DecodeJSON(req, &target))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, "a", target.Name)
}
