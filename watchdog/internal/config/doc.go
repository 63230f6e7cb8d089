// Package config loads and watches the watchdog configuration file (config.yaml).
//
// Top-level types:
//   - Config{Watchdog}: full config tree parsed from YAML
//   - SourceConfig: data store type (elasticsearch|prometheus), addresses,
//     query window, field/label names, top-N sizes, auth and tls
//   - StateConfig: alert state backend (memory|redis), TTL and LRU cap
//   - Endpoint: one notification destination (telegram|webhook|slack|kafka);
//     secrets are resolved from environment variables at send time
//   - Category: explicit service tags that decide routing
//
// Load(path) reads the YAML file, applies defaults (30s poll, 30s query
// window, 5m dedup window, 30m state TTL), merges the optional telegram
// credentials file, picks the default endpoint and validates.
//
// Watch(ctx, path, onChange) uses fsnotify on the parent directory so
// atomic-save editors are handled, and calls onChange with each valid reload.
package config
