// ABOUTME: Liveness and readiness endpoints plus the periodic provider health sweep
// ABOUTME: Sweep results feed both /health/ready and the gRPC health service

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one provider passed the last health sweep.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	healthy := g.healthyProviders.Load()
	if healthy == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no healthy providers"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d providers)", healthy)
}

// watchProviders sweeps provider health immediately and then on every interval
// until ctx is canceled.
func (g *Gateway) watchProviders(ctx context.Context) {
	interval := g.config.Orchestrator.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	g.checkProviders(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.checkProviders(ctx)
		}
	}
}

// checkProviders runs HealthCheck on every provider and publishes the result
// as provider/<name> statuses. The overall status is SERVING when any provider
// is healthy.
func (g *Gateway) checkProviders(ctx context.Context) int {
	healthy := 0
	for _, p := range g.providers {
		service := "provider/" + p.Name()
		if !p.IsConfigured() {
			g.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, g.providerTimeout)
		err := p.HealthCheck(cctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return healthy
			}
			g.logger.Warn("provider health check failed", "provider", p.Name(), "error", err)
			g.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}
		healthy++
		g.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	}

	g.healthyProviders.Store(int32(healthy))
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if healthy > 0 {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", overall)
	g.logger.Debug("provider health sweep", "healthy", healthy, "total", len(g.providers))
	return healthy
}
