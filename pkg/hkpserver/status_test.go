package hkpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/ratelimit"
	"github.com/ctrliq/vks/pkg/store"
	"github.com/ctrliq/vks/pkg/token"
	"github.com/stretchr/testify/require"
)

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{cert.ErrPolicy, http.StatusBadRequest},
		{fmt.Errorf("%w: truncated", cert.ErrMalformed), http.StatusBadRequest},
		{cert.ErrInvalidEmail, http.StatusBadRequest},
		{ErrBadSearch, http.StatusBadRequest},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrIdentityUnavailable, http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{token.ErrExpired, http.StatusGone},
		{token.ErrConsumed, http.StatusBadRequest},
		{token.ErrWrongPurpose, http.StatusBadRequest},
		{ratelimit.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: connection refused", ErrDelivery), http.StatusBadGateway},
		{fmt.Errorf("%w: disk full", store.ErrStorage), http.StatusInternalServerError},
		{errors.New("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		s := StatusFromError(tt.err)
		if !s.Is(tt.code) {
			t.Errorf("unexpected status for %v: got %d instead of %d", tt.err, s.Code(), tt.code)
		}
	}
}

func TestStatusWrite(t *testing.T) {
	resp := httptest.NewRecorder()
	NewConflictStatus("taken").Write(resp)

	require.Equal(t, http.StatusConflict, resp.Code)
	require.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var er ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &er))
	require.Equal(t, http.StatusConflict, er.Error.Code)
	require.Equal(t, "taken", er.Error.Message)

	resp = httptest.NewRecorder()
	NewOKStatus("done").Write(resp)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "done\n", resp.Body.String())
}
