// Package downtime turns the grouped "down events" aggregation of a data
// source into per-service reports of down hosts.
//
// DecodeSearchResponse strictly decodes an Elasticsearch response; any shape
// deviation is reported as ErrSchemaMismatch rather than skipped. Reports
// flattens an Aggregation, keeping the order the data source delivered.
package downtime
