// Package source connects to the monitoring data store and returns the down
// events of a trailing window as a service/host aggregation.
//
// Two stores are supported: Elasticsearch heartbeat indices, queried with a
// terms aggregation, and Prometheus text expositions, where a zero-valued
// probe sample is a down event.
package source
