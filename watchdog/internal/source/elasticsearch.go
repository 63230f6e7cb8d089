package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
	"github.com/heartwatch/heartwatch/watchdog/internal/downtime"
)

// Aggregation names used in the search body and expected in the response.
const (
	serviceAgg = "service"
	hostAgg    = "ip"
)

type elasticConnector struct {
	es  *elasticsearch.Client
	src config.SourceConfig
}

// newElasticConnector builds the client once so its transport and
// connection pool are reused across poll cycles.
func newElasticConnector(src config.SourceConfig) (*elasticConnector, error) {
	cfg := elasticsearch.Config{
		Addresses: src.Addresses,
		Transport: baseTransport(src),
	}
	switch src.Auth.Mode {
	case "basic":
		cfg.Username = src.Auth.Username
		cfg.Password = src.Auth.Password()
	case "apikey":
		cfg.APIKey = src.Auth.Key()
	case "bearer":
		cfg.ServiceToken = src.Auth.Token()
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: new client: %w", err)
	}
	return &elasticConnector{es: es, src: src}, nil
}

// Connect pings the cluster. The go-elasticsearch client also verifies the
// product header here, so a non-Elasticsearch server at the address is
// reported as unavailable.
func (c *elasticConnector) Connect(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch: ping: %s", res.Status())
	}
	return &elasticConn{es: c.es, src: c.src}, nil
}

type elasticConn struct {
	es  *elasticsearch.Client
	src config.SourceConfig
}

// DownEvents runs one aggregation search over the heartbeat index.
func (c *elasticConn) DownEvents(ctx context.Context, window time.Duration) (*downtime.Aggregation, error) {
	body, err := searchBody(c.src, window)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.src.Index),
		c.es.Search.WithBody(bytes.NewReader(body)),
		c.es.Search.WithSize(0),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("elasticsearch: search: %s: %s", res.Status(), bytes.TrimSpace(msg))
	}

	agg, err := downtime.DecodeSearchResponse(res.Body, serviceAgg, hostAgg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: %w", err)
	}
	return agg, nil
}

// searchBody builds the down-event query: status down within the trailing
// window, grouped by service then host.
func searchBody(src config.SourceConfig, window time.Duration) ([]byte, error) {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	q := map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"range": map[string]interface{}{
							src.TimestampField: map[string]string{
								"gte": fmt.Sprintf("now-%ds", secs),
								"lt":  "now",
							},
						},
					},
					map[string]interface{}{
						"match": map[string]string{src.StatusField: "down"},
					},
				},
			},
		},
		"aggs": map[string]interface{}{
			serviceAgg: map[string]interface{}{
				"terms": map[string]interface{}{"field": src.ServiceField, "size": src.TopServices},
				"aggs": map[string]interface{}{
					hostAgg: map[string]interface{}{
						"terms": map[string]interface{}{"field": src.HostField, "size": src.TopHosts},
					},
				},
			},
		},
	}
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: encode query: %w", err)
	}
	return body, nil
}
