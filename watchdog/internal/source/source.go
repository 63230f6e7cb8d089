package source

import (
	"context"
	"fmt"
	"time"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
	"github.com/heartwatch/heartwatch/watchdog/internal/downtime"
)

// Connector acquires a connection to the monitoring data store.
// An error from Connect means the store is unavailable as a whole.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a live handle to the data store.
type Conn interface {
	// DownEvents returns the down events of the trailing window, grouped by
	// service then host. An error wrapping downtime.ErrSchemaMismatch means
	// the store answered with an unexpected shape.
	DownEvents(ctx context.Context, window time.Duration) (*downtime.Aggregation, error)
}

// New returns the Connector for the configured source type.
func New(src config.SourceConfig) (Connector, error) {
	switch src.Type {
	case "elasticsearch":
		c, err := newElasticConnector(src)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "prometheus":
		return &promConnector{src: src, client: buildHTTPClient(src)}, nil
	default:
		return nil, fmt.Errorf("source: unsupported type %q", src.Type)
	}
}
