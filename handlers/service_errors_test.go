package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/utils"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name            string
		err             error
		expectedStatus  int
		expectedError   string
		expectedMessage string
	}{
		{
			name:            "not found",
			err:             services.ErrObservationNotFound,
			expectedStatus:  http.StatusNotFound,
			expectedError:   "not_found",
			expectedMessage: "observation not found",
		},
		{
			name:            "validation",
			err:             services.ErrMissingDeviceID,
			expectedStatus:  http.StatusBadRequest,
			expectedError:   "bad_request",
			expectedMessage: "deviceId is required",
		},
		{
			name:            "invalid credential",
			err:             services.ErrInvalidCredential,
			expectedStatus:  http.StatusUnauthorized,
			expectedError:   "unauthorized",
			expectedMessage: "invalid credential",
		},
		{
			name:            "forbidden",
			err:             services.NewDomainError(services.ErrorTypeForbidden, "access forbidden", nil),
			expectedStatus:  http.StatusForbidden,
			expectedError:   "forbidden",
			expectedMessage: "access forbidden",
		},
		{
			name:            "auth unavailable",
			err:             services.ErrAuthUnavailable.Wrap(errors.New("dial tcp 10.0.0.5:5432: connection refused")),
			expectedStatus:  http.StatusServiceUnavailable,
			expectedError:   "unavailable",
			expectedMessage: "authentication temporarily unavailable",
		},
		{
			name:            "conflict",
			err:             services.ErrConcurrentUpdate,
			expectedStatus:  http.StatusConflict,
			expectedError:   "conflict",
			expectedMessage: "concurrent update detected",
		},
		{
			name:            "internal error hides cause",
			err:             services.WrapInternal("failed to record verdict", errors.New("pq: relation \"observations\" does not exist")),
			expectedStatus:  http.StatusInternalServerError,
			expectedError:   "internal_error",
			expectedMessage: "An internal error occurred",
		},
		{
			name:            "external error is internal to clients",
			err:             services.WrapExternal("risk service", errors.New("boom")),
			expectedStatus:  http.StatusInternalServerError,
			expectedError:   "internal_error",
			expectedMessage: "An internal error occurred",
		},
		{
			name:            "plain error",
			err:             errors.New("something odd"),
			expectedStatus:  http.StatusInternalServerError,
			expectedError:   "internal_error",
			expectedMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
			assert.Equal(t, tt.expectedMessage, response.Message)
			assert.NotContains(t, w.Body.String(), "pq:")
			assert.NotContains(t, w.Body.String(), "10.0.0.5")
		})
	}
}

func TestHandleServiceError_Details(t *testing.T) {
	w := httptest.NewRecorder()

	HandleServiceError(w, services.ErrInvalidState.WithDetail("state", "maybe"), zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "maybe", response.Details["state"])
}

func TestHandleServiceError_Nil(t *testing.T) {
	w := httptest.NewRecorder()

	HandleServiceError(w, nil, zap.NewNop())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	t.Run("structured", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := utils.ValidateStruct(&struct {
			DeviceID string `json:"deviceId" validate:"required"`
		}{})

		HandleValidationError(w, err, zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "Validation failed", response.Message)
		assert.Equal(t, "deviceId is required", response.Details["deviceId"])
	})

	t.Run("plain", func(t *testing.T) {
		w := httptest.NewRecorder()

		HandleValidationError(w, errors.New("invalid JSON body"), zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
