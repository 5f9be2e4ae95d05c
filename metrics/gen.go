package metrics

import (
	"context"
	"sync"

	"github.com/ipfs/go-metrics-interface"
)

var (
	// the 1<<18+15 is to observe old file chunks that are 1<<18 + 14 in size
	metricsBuckets = []float64{1 << 6, 1 << 10, 1 << 14, 1 << 18, 1<<18 + 15, 1 << 22}

	timeMetricsBuckets = []float64{1, 10, 30, 60, 90, 120, 600}
)

// Metrics lazily creates the metrics of a bitswap server.
// It MUST not be copied.
type Metrics struct {
	ctx  context.Context
	lock sync.Mutex

	sentHist     metrics.Histogram
	sendTimeHist metrics.Histogram

	pendingEngineGauge metrics.Gauge
	activeEngineGauge  metrics.Gauge
	pendingBlocksGauge metrics.Gauge
	activeBlocksGauge  metrics.Gauge
}

// New scopes all metrics under "bitswap_server" in the metrics scope of ctx.
func New(ctx context.Context) *Metrics {
	return &Metrics{ctx: metrics.CtxSubScope(ctx, "bitswap_server")}
}

// SentHist returns sent_all_blocks_bytes.
// Threadsafe
func (m *Metrics) SentHist() metrics.Histogram {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.sentHist == nil {
		m.sentHist = metrics.NewCtx(m.ctx, "sent_all_blocks_bytes", "Histogram of blocks sent by this bitswap").Histogram(metricsBuckets)
	}
	return m.sentHist
}

// SendTimeHist returns send_times.
// Threadsafe
func (m *Metrics) SendTimeHist() metrics.Histogram {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.sendTimeHist == nil {
		m.sendTimeHist = metrics.NewCtx(m.ctx, "send_times", "Histogram of how long it takes to send messages in this bitswap").Histogram(timeMetricsBuckets)
	}
	return m.sendTimeHist
}

// PendingEngineGauge returns pending_tasks.
// Threadsafe
func (m *Metrics) PendingEngineGauge() metrics.Gauge {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pendingEngineGauge == nil {
		m.pendingEngineGauge = metrics.NewCtx(m.ctx, "pending_tasks", "Total number of pending tasks").Gauge()
	}
	return m.pendingEngineGauge
}

// ActiveEngineGauge returns active_tasks.
// Threadsafe
func (m *Metrics) ActiveEngineGauge() metrics.Gauge {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.activeEngineGauge == nil {
		m.activeEngineGauge = metrics.NewCtx(m.ctx, "active_tasks", "Total number of active tasks").Gauge()
	}
	return m.activeEngineGauge
}

// PendingBlocksGauge returns pending_block_tasks.
// Threadsafe
func (m *Metrics) PendingBlocksGauge() metrics.Gauge {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.pendingBlocksGauge == nil {
		m.pendingBlocksGauge = metrics.NewCtx(m.ctx, "pending_block_tasks", "Total number of pending blockstore tasks").Gauge()
	}
	return m.pendingBlocksGauge
}

// ActiveBlocksGauge returns active_block_tasks.
// Threadsafe
func (m *Metrics) ActiveBlocksGauge() metrics.Gauge {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.activeBlocksGauge == nil {
		m.activeBlocksGauge = metrics.NewCtx(m.ctx, "active_block_tasks", "Total number of active blockstore tasks").Gauge()
	}
	return m.activeBlocksGauge
}
