package metrics

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is a single point-in-time resource reading for a supervised
// process, returned by Collector.Sample and cached for GetLast.
type Sample struct {
	PID        int32
	CPUPercent float64
	RSSBytes   uint64
	VMSBytes   uint64
	NumThreads int32
	NumFDs     int32
	At         time.Time
}

// Collector implements supervisor.Sampler on top of gopsutil/v4. Readings
// taken through SampleNamed are cached and mirrored into per-descriptor
// Prometheus gauges; readings taken through Sample are only returned.
type Collector struct {
	mu   sync.RWMutex
	last map[string]Sample

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewCollector builds a Collector with its own Prometheus gauge vectors,
// keyed by descriptor name.
func NewCollector() *Collector {
	return &Collector{
		last: make(map[string]Sample),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentryd", Subsystem: "process", Name: "cpu_percent",
			Help: "Most recent CPU usage percent sampled for a managed process.",
		}, []string{"name"}),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentryd", Subsystem: "process", Name: "memory_rss_bytes",
			Help: "Most recent resident set size sampled for a managed process.",
		}, []string{"name"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentryd", Subsystem: "process", Name: "num_threads",
			Help: "Most recent thread count sampled for a managed process.",
		}, []string{"name"}),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sentryd", Subsystem: "process", Name: "num_fds",
			Help: "Most recent open file descriptor count sampled for a managed process (unix only).",
		}, []string{"name"}),
	}
}

// RegisterMetrics registers the collector's gauge vectors with r. Safe to
// call once per registry; a second registration attempt against the same
// registerer returns the AlreadyRegisteredError from the prometheus client.
func (c *Collector) RegisterMetrics(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads, c.numFDs} {
		if err := r.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Sample implements supervisor.Sampler: it reads live CPU/RSS/thread
// figures for pid via gopsutil and returns them. It caches nothing and does
// not update the Prometheus gauges; SampleNamed does both.
func (c *Collector) Sample(pid int) (cpuPercent float64, rssBytes uint64, threads int32, err error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("metrics: open pid %d: %w", pid, err)
	}

	cpu, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("metrics: cpu percent unavailable", "pid", pid, "error", err)
		cpu = 0
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("metrics: memory info for pid %d: %w", pid, err)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("metrics: thread count unavailable", "pid", pid, "error", err)
		numThreads = 0
	}

	var numFDs int32
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			numFDs = n
		}
	}

	return cpu, memInfo.RSS, numThreads, nil
}

// SampleNamed is Sample plus bookkeeping: it caches the reading under name
// (for GetLast) and mirrors it into the Prometheus gauges. The
// metrics-HTTP route and any periodic poller should call this instead of
// the bare Sampler.Sample so the cache and gauges stay current.
func (c *Collector) SampleNamed(name string, pid int) (Sample, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Sample{}, fmt.Errorf("metrics: open pid %d: %w", pid, err)
	}
	cpu, _ := proc.CPUPercent()
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("metrics: memory info for pid %d: %w", pid, err)
	}
	numThreads, _ := proc.NumThreads()
	var numFDs int32
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			numFDs = n
		}
	}

	s := Sample{
		PID: int32(pid), CPUPercent: cpu, RSSBytes: memInfo.RSS, VMSBytes: memInfo.VMS,
		NumThreads: numThreads, NumFDs: numFDs, At: time.Now(),
	}

	c.mu.Lock()
	c.last[name] = s
	c.mu.Unlock()

	c.cpuPercent.WithLabelValues(name).Set(cpu)
	c.memoryRSS.WithLabelValues(name).Set(float64(memInfo.RSS))
	c.numThreads.WithLabelValues(name).Set(float64(numThreads))
	if runtime.GOOS != "windows" {
		c.numFDs.WithLabelValues(name).Set(float64(numFDs))
	}
	return s, nil
}

// GetLast returns the most recent SampleNamed reading for name, if any.
func (c *Collector) GetLast(name string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.last[name]
	return s, ok
}

// Forget drops name's cached sample and gauge series, called when a
// descriptor is removed so stale series don't linger on /metrics.
func (c *Collector) Forget(name string) {
	c.mu.Lock()
	delete(c.last, name)
	c.mu.Unlock()
	c.cpuPercent.DeleteLabelValues(name)
	c.memoryRSS.DeleteLabelValues(name)
	c.numThreads.DeleteLabelValues(name)
	c.numFDs.DeleteLabelValues(name)
}
