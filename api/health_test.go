package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VanDung-dev/HieraChain-Scheduler/logging"
)

type switchable struct{ on atomic.Bool }

func (s *switchable) IsRunning() bool { return s.on.Load() }

func dialHealth(t *testing.T, addr string) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServerFollowsScheduler(t *testing.T) {
	source := &switchable{}
	source.on.Store(true)

	metrics := NewMetrics("test")
	srv := NewHealthServer(source, 10*time.Millisecond, metrics, logging.Discard())
	require.NoError(t, srv.StartAsync("127.0.0.1:0"))
	defer srv.Stop()

	client := dialHealth(t, srv.Addr())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, SchedulerService))

	source.on.Store(false)
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: SchedulerService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	checks := testutil.ToFloat64(metrics.GRPCRequestsTotal.WithLabelValues("/grpc.health.v1.Health/Check", "OK"))
	assert.GreaterOrEqual(t, checks, 3.0, "expected every Check to be recorded")
}

func TestHealthServerWithScheduler(t *testing.T) {
	f := newFixture(t, fastConfig(), nil)

	srv := NewHealthServer(f.scheduler, 10*time.Millisecond, nil, logging.Discard())
	require.NoError(t, srv.StartAsync("127.0.0.1:0"))
	defer srv.Stop()
	assert.Error(t, srv.StartAsync("127.0.0.1:0"), "second start should fail")

	client := dialHealth(t, srv.Addr())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, client, ""))

	require.NoError(t, f.scheduler.Stop(context.Background()))
	assert.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
