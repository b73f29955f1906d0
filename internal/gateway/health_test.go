// ABOUTME: Tests for health endpoints and the provider health sweep
// ABOUTME: Checks both the HTTP readiness probe and gRPC health statuses

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/support-gateway/internal/config"
)

func grpcStatus(t *testing.T, gw *Gateway, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, nil))

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCheckProviders(t *testing.T) {
	fake := newFakeOpenAI(t, "hi")
	cfg := testConfig(t, fake)
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{
		Name:  "anthropic",
		Type:  "anthropic",
		Model: "claude-test",
	})
	gw := newTestGateway(t, cfg)

	// Not ready before the first sweep
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, grpcStatus(t, gw, ""))

	assert.Equal(t, 1, gw.checkProviders(context.Background()))

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 providers)", rec.Body.String())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, grpcStatus(t, gw, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, grpcStatus(t, gw, "provider/openai"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, grpcStatus(t, gw, "provider/anthropic"))
}

func TestCheckProviders_BackendDown(t *testing.T) {
	fake := newFakeOpenAI(t, "hi")
	gw := newTestGateway(t, testConfig(t, fake))
	require.Equal(t, 1, gw.checkProviders(context.Background()))

	fake.srv.Close()
	assert.Equal(t, 0, gw.checkProviders(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, grpcStatus(t, gw, "provider/openai"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, grpcStatus(t, gw, ""))
}
