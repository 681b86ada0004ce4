package api

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/infusion/pkg/log"
	"github.com/cuemby/infusion/pkg/metrics"
)

// DeliveryService is the gRPC health service name that tracks delivery
// confirmation. The empty service name tracks daemon readiness.
const DeliveryService = "infusion.Delivery"

// DefaultHealthInterval is how often serving status is recomputed
const DefaultHealthInterval = 5 * time.Second

// DeliveryMonitor reports whether a delivery outcome is unknown
type DeliveryMonitor interface {
	DeliveryUnconfirmed() bool
}

// HealthService serves the standard gRPC health protocol. DeliveryService
// is NOT_SERVING while any command outcome is unconfirmed, so a supervisor
// can hold off new deliveries without parsing the JSON API.
type HealthService struct {
	monitor  DeliveryMonitor
	health   *health.Server
	grpc     *grpc.Server
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewHealthService creates the health service. Serving status starts as
// NOT_SERVING until the first Update.
func NewHealthService(monitor DeliveryMonitor, interval time.Duration) *HealthService {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	hs := &HealthService{
		monitor:  monitor,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("grpc-health"),
	}
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.health.SetServingStatus(DeliveryService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	return hs
}

// Update recomputes both serving statuses
func (hs *HealthService) Update() {
	ready := healthpb.HealthCheckResponse_SERVING
	if metrics.GetReadiness().Status != "ready" {
		ready = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus("", ready)

	delivery := ready
	if hs.monitor.DeliveryUnconfirmed() {
		delivery = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.health.SetServingStatus(DeliveryService, delivery)
}

// Start listens on addr and serves until Stop
func (hs *HealthService) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return hs.Serve(lis)
}

// Serve runs the status loop and serves on lis
func (hs *HealthService) Serve(lis net.Listener) error {
	hs.Update()
	go hs.watch()

	hs.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return hs.grpc.Serve(lis)
}

func (hs *HealthService) watch() {
	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hs.Update()
		case <-hs.stopCh:
			return
		}
	}
}

// Stop marks everything NOT_SERVING and stops the server
func (hs *HealthService) Stop() {
	hs.stopOnce.Do(func() {
		close(hs.stopCh)
		hs.health.Shutdown()
		hs.grpc.GracefulStop()
	})
}
