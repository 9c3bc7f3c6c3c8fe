package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/tpc-cloud/worker-node/internal/hypervisor"
	"github.com/tpc-cloud/worker-node/internal/wire"
)

const metricsInterval = 1 * time.Second

// GuestSampler supplies guest-process utilization for fusion with the host
// sample.
type GuestSampler interface {
	Utilization(interval time.Duration) hypervisor.Utilization
}

// MetricsPublisher pushes fused host/guest metrics to the orchestrator. One
// publish failure is fatal for the node: the orchestrator schedules against
// these reports, and a silent worker is worse than a dead one.
type MetricsPublisher struct {
	guest     GuestSampler
	serverURL string
	nodeID    string
	logger    *zap.Logger

	http     *http.Client
	interval time.Duration

	shouldTerminate atomic.Bool

	// hooks for tests
	hostCPU func(interval time.Duration) (float64, error)
	hostMem func() (used, available float64, err error)
}

// NewMetricsPublisher builds a publisher reporting for the given node id.
func NewMetricsPublisher(guest GuestSampler, serverURL, nodeID string, logger *zap.Logger) *MetricsPublisher {
	return &MetricsPublisher{
		guest:     guest,
		serverURL: serverURL,
		nodeID:    nodeID,
		logger:    logger,
		http:      &http.Client{Timeout: 10 * time.Second},
		interval:  metricsInterval,
		hostCPU:   sampleHostCPU,
		hostMem:   sampleHostMemory,
	}
}

func sampleHostCPU(interval time.Duration) (float64, error) {
	percents, err := cpu.Percent(interval, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("empty cpu sample")
	}
	return percents[0], nil
}

func sampleHostMemory() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	const mib = 1024 * 1024
	return float64(vm.Used) / mib, float64(vm.Total) / mib, nil
}

// ShouldTerminate reports whether publishing has failed.
func (p *MetricsPublisher) ShouldTerminate() bool {
	return p.shouldTerminate.Load()
}

// Sample builds one fused WorkerMetrics synchronously. The host CPU percent
// call blocks for the sample interval; the guest sample shares it.
func (p *MetricsPublisher) Sample() (wire.WorkerMetrics, error) {
	guestCh := make(chan hypervisor.Utilization, 1)
	go func() { guestCh <- p.guest.Utilization(p.interval) }()

	hostCPU, err := p.hostCPU(p.interval)
	if err != nil {
		return wire.WorkerMetrics{}, fmt.Errorf("metrics: host cpu: %w", err)
	}
	used, available, err := p.hostMem()
	if err != nil {
		return wire.WorkerMetrics{}, fmt.Errorf("metrics: host memory: %w", err)
	}
	guest := <-guestCh

	return wire.WorkerMetrics{
		Timestamp:            float64(time.Now().UnixNano()) / float64(time.Second),
		TotalCPUUtilization:  hostCPU,
		TotalMemoryUsed:      used,
		TotalMemoryAvailable: available,
		VMCPUUtilization:     guest.CPUFraction,
		VMCPUAllocated:       guest.CPUAllocated,
		VMMemoryUsed:         guest.MemoryUsedMiB,
		VMMemoryAvailable:    guest.MemoryAllocated,
	}, nil
}

// Run publishes until ctx ends or a publish fails.
func (p *MetricsPublisher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		metrics, err := p.Sample()
		if err != nil {
			p.logger.Error("Metrics sample failed", zap.Error(err))
			metricPublishFailures.Inc()
			p.shouldTerminate.Store(true)
			return
		}
		if err := p.publish(ctx, metrics); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Metrics publish failed", zap.Error(err))
			metricPublishFailures.Inc()
			p.shouldTerminate.Store(true)
			return
		}
	}
}

func (p *MetricsPublisher) publish(ctx context.Context, metrics wire.WorkerMetrics) error {
	body, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		p.serverURL+"/api/v1/node_metrics/"+p.nodeID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node_metrics returned %d", resp.StatusCode)
	}
	return nil
}
