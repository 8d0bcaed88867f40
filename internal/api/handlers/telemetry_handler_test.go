package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"example.com/coldwatch/internal/repositories"
	"example.com/coldwatch/internal/services"
	"example.com/coldwatch/internal/tracing"
)

func TestIngestRejectsInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	handler := NewTelemetryHandler(nil, tracing.Noop())
	router.POST("/telemetry", handler.HandleIngestTelemetry)

	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"values":[1.0]}`))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()

	router.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errors.Wrap(services.ErrValidation, "missing values"), http.StatusBadRequest},
		{"not found", errors.Wrap(repositories.ErrNotFound, "unknown device"), http.StatusNotFound},
		{"internal", errors.New("connection refused"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(recorder)

			respondWithError(c, tc.err)
			require.Equal(t, tc.want, recorder.Code)
		})
	}
}
