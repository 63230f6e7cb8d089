package downtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrSchemaMismatch means the data source returned an aggregation whose shape
// does not match what the watchdog queried for.
var ErrSchemaMismatch = errors.New("aggregation schema mismatch")

func mismatch(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}

// DecodeSearchResponse reads an Elasticsearch search response and extracts
// the terms aggregation named serviceAgg together with its terms
// sub-aggregation hostAgg.
//
// Every expected field must be present. A missing field, or a bucket key
// that is neither a string nor a number, returns an error wrapping
// ErrSchemaMismatch. An empty bucket list is valid.
func DecodeSearchResponse(r io.Reader, serviceAgg, hostAgg string) (*Aggregation, error) {
	var resp struct {
		Aggregations map[string]json.RawMessage `json:"aggregations"`
	}
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if resp.Aggregations == nil {
		return nil, mismatch("response has no aggregations")
	}
	raw, ok := resp.Aggregations[serviceAgg]
	if !ok {
		return nil, mismatch("aggregation %q missing", serviceAgg)
	}

	buckets, err := decodeTerms(raw, serviceAgg)
	if err != nil {
		return nil, err
	}

	agg := &Aggregation{Services: make([]ServiceBucket, 0, len(buckets))}
	for i, b := range buckets {
		key, count, err := decodeBucket(b)
		if err != nil {
			return nil, fmt.Errorf("%s.buckets[%d]: %w", serviceAgg, i, err)
		}
		sub, ok := b[hostAgg]
		if !ok {
			return nil, mismatch("%s.buckets[%d]: sub-aggregation %q missing", serviceAgg, i, hostAgg)
		}
		hostBuckets, err := decodeTerms(sub, hostAgg)
		if err != nil {
			return nil, fmt.Errorf("%s.buckets[%d]: %w", serviceAgg, i, err)
		}

		svc := ServiceBucket{Key: key, DocCount: count, Hosts: make([]HostBucket, 0, len(hostBuckets))}
		for j, hb := range hostBuckets {
			hkey, hcount, err := decodeBucket(hb)
			if err != nil {
				return nil, fmt.Errorf("%s.buckets[%d].%s.buckets[%d]: %w", serviceAgg, i, hostAgg, j, err)
			}
			svc.Hosts = append(svc.Hosts, HostBucket{Key: hkey, DocCount: hcount})
		}
		agg.Services = append(agg.Services, svc)
	}
	return agg, nil
}

// decodeTerms returns the raw buckets of a terms aggregation.
func decodeTerms(raw json.RawMessage, name string) ([]map[string]json.RawMessage, error) {
	var terms struct {
		Buckets *[]map[string]json.RawMessage `json:"buckets"`
	}
	if err := json.Unmarshal(raw, &terms); err != nil {
		return nil, mismatch("aggregation %q: %v", name, err)
	}
	if terms.Buckets == nil {
		return nil, mismatch("aggregation %q has no buckets", name)
	}
	return *terms.Buckets, nil
}

// decodeBucket extracts key and doc_count. key_as_string wins over key when
// both are present, as Elasticsearch sets it for ip and date fields.
func decodeBucket(b map[string]json.RawMessage) (string, int64, error) {
	rawKey, ok := b["key_as_string"]
	if !ok {
		rawKey, ok = b["key"]
	}
	if !ok {
		return "", 0, mismatch("bucket has no key")
	}
	key, err := decodeKey(rawKey)
	if err != nil {
		return "", 0, err
	}

	rawCount, ok := b["doc_count"]
	if !ok {
		return "", 0, mismatch("bucket %q has no doc_count", key)
	}
	var count int64
	if err := json.Unmarshal(rawCount, &count); err != nil {
		return "", 0, mismatch("bucket %q doc_count: %v", key, err)
	}
	return key, count, nil
}

func decodeKey(raw json.RawMessage) (string, error) {
	if string(raw) == "null" {
		return "", mismatch("bucket key is null")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", mismatch("bucket key %s is neither string nor number", string(raw))
}
