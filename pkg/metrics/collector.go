package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const gaugePrefix = "taskflow_"

type gaugeFunc struct {
	desc *prometheus.Desc
	read func() float64
}

// Collector exposes gauges read from live components at scrape time, such as the
// number of executions a replica drives or the bus backlog.
type Collector struct {
	mu     sync.RWMutex
	gauges map[string]gaugeFunc
}

func NewCollector() *Collector {
	return &Collector{gauges: make(map[string]gaugeFunc)}
}

// Observe registers a gauge. Observing an existing name replaces its reader.
func (c *Collector) Observe(name, help string, read func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = gaugeFunc{
		desc: prometheus.NewDesc(gaugePrefix+name, help, nil, nil),
		read: read,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, gauge := range c.sorted() {
		ch <- gauge.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, gauge := range c.sorted() {
		ch <- prometheus.MustNewConstMetric(gauge.desc, prometheus.GaugeValue, gauge.read())
	}
}

func (c *Collector) sorted() []gaugeFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.gauges))
	for name := range c.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	gauges := make([]gaugeFunc, 0, len(names))
	for _, name := range names {
		gauges = append(gauges, c.gauges[name])
	}
	return gauges
}
