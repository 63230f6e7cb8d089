package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
	"github.com/heartwatch/heartwatch/watchdog/internal/downtime"
)

// promConnector reads probe results from a Prometheus text exposition, such
// as a blackbox exporter or a federation endpoint. The exposition already is
// a point-in-time view, so the query window is not applied.
type promConnector struct {
	src    config.SourceConfig
	client *http.Client
}

// Connect probes the exposition URL once. Any HTTP answer below 500 counts
// as reachable; auth problems surface on the first DownEvents call.
func (c *promConnector) Connect(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("prometheus: build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus: probe: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("prometheus: probe: unexpected status %d", resp.StatusCode)
	}
	return c, nil
}

func (c *promConnector) url() string { return c.src.Addresses[0] }

func (c *promConnector) DownEvents(ctx context.Context, _ time.Duration) (*downtime.Aggregation, error) {
	mfs, err := fetchMetrics(ctx, c.client, c.url())
	if err != nil {
		return nil, fmt.Errorf("prometheus: %w", err)
	}
	return downAggregation(mfs[c.src.Metric], c.src)
}

// downAggregation groups the zero-valued samples of mf by service then host,
// in first-seen order, keeping at most TopServices services and TopHosts
// hosts per service. A nil family means nothing is probed and yields an
// empty aggregation.
func downAggregation(mf *dto.MetricFamily, src config.SourceConfig) (*downtime.Aggregation, error) {
	agg := &downtime.Aggregation{}
	if mf == nil {
		return agg, nil
	}

	index := make(map[string]int)
	for _, m := range mf.GetMetric() {
		if sampleValue(m) != 0 {
			continue
		}
		service, host, err := sampleLabels(m, src)
		if err != nil {
			return nil, err
		}

		i, ok := index[service]
		if !ok {
			if len(agg.Services) >= src.TopServices {
				continue
			}
			i = len(agg.Services)
			index[service] = i
			agg.Services = append(agg.Services, downtime.ServiceBucket{Key: service})
		}
		sb := &agg.Services[i]
		sb.DocCount++
		addHost(sb, host, src.TopHosts)
	}
	return agg, nil
}

func addHost(sb *downtime.ServiceBucket, host string, limit int) {
	for j := range sb.Hosts {
		if sb.Hosts[j].Key == host {
			sb.Hosts[j].DocCount++
			return
		}
	}
	if len(sb.Hosts) < limit {
		sb.Hosts = append(sb.Hosts, downtime.HostBucket{Key: host, DocCount: 1})
	}
}

func sampleLabels(m *dto.Metric, src config.SourceConfig) (service, host string, err error) {
	for _, lp := range m.GetLabel() {
		switch lp.GetName() {
		case src.ServiceLabel:
			service = lp.GetValue()
		case src.HostLabel:
			host = lp.GetValue()
		}
	}
	if service == "" || host == "" {
		return "", "", fmt.Errorf("%w: %s sample without %q and %q labels",
			downtime.ErrSchemaMismatch, src.Metric, src.ServiceLabel, src.HostLabel)
	}
	return service, host, nil
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	}
	return -1
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}
