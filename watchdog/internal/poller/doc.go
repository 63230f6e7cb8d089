// Package poller runs the watchdog loop.
//
// Each cycle connects to the data source, reads the down events of the
// query window, evaluates every down host through the deduplicator and
// dispatches the alerts it raises, then sleeps for the poll interval. When
// the data source cannot be reached the connection-failure alert goes to
// every endpoint and the next attempt waits on a capped exponential backoff
// (1s→60s by default, ±25% jitter).
package poller
