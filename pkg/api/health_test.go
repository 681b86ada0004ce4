package api

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/infusion/pkg/metrics"
)

type fakeMonitor struct {
	unconfirmed atomic.Bool
}

func (m *fakeMonitor) DeliveryUnconfirmed() bool {
	return m.unconfirmed.Load()
}

func check(t *testing.T, hs *HealthService, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthService_TracksUnconfirmedDelivery(t *testing.T) {
	metrics.SetCritical()
	t.Cleanup(func() {
		metrics.SetCritical(metrics.ComponentDevice, metrics.ComponentStore, metrics.ComponentController)
	})

	mon := &fakeMonitor{}
	hs := NewHealthService(mon, time.Hour)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, DeliveryService))

	hs.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, DeliveryService))

	mon.unconfirmed.Store(true)
	hs.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, DeliveryService))
}

func TestHealthService_NotReady(t *testing.T) {
	metrics.SetCritical("never-registered")
	t.Cleanup(func() {
		metrics.SetCritical(metrics.ComponentDevice, metrics.ComponentStore, metrics.ComponentController)
	})

	hs := NewHealthService(&fakeMonitor{}, time.Hour)
	hs.Update()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, DeliveryService))
}

func TestHealthService_Serve(t *testing.T) {
	metrics.SetCritical()
	t.Cleanup(func() {
		metrics.SetCritical(metrics.ComponentDevice, metrics.ComponentStore, metrics.ComponentController)
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mon := &fakeMonitor{}
	hs := NewHealthService(mon, 10*time.Millisecond)
	go func() { _ = hs.Serve(lis) }()
	defer hs.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: DeliveryService})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}

	require.Eventually(t, func() bool {
		return status() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	mon.unconfirmed.Store(true)
	assert.Eventually(t, func() bool {
		return status() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
