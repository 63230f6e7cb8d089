package downtime

// ServiceDownReport lists the hosts of one service reported down in the
// current query window.
type ServiceDownReport struct {
	Service string
	Hosts   []HostDownEntry
}

// HostDownEntry is one host reported down for a service.
type HostDownEntry struct {
	Host     string
	DocCount int64
}

// Aggregation is the two-level grouped result returned by a data source:
// service buckets, each holding host buckets.
type Aggregation struct {
	Services []ServiceBucket
}

// ServiceBucket is one outer bucket of an Aggregation.
type ServiceBucket struct {
	Key      string
	DocCount int64
	Hosts    []HostBucket
}

// HostBucket is one inner bucket of an Aggregation.
type HostBucket struct {
	Key      string
	DocCount int64
}

// Reports flattens agg into one ServiceDownReport per service that has at
// least one down host. Order follows the aggregation. A nil or empty
// aggregation yields an empty, non-nil slice.
func Reports(agg *Aggregation) []ServiceDownReport {
	out := make([]ServiceDownReport, 0)
	if agg == nil {
		return out
	}
	for _, svc := range agg.Services {
		if len(svc.Hosts) == 0 {
			continue
		}
		r := ServiceDownReport{
			Service: svc.Key,
			Hosts:   make([]HostDownEntry, 0, len(svc.Hosts)),
		}
		for _, h := range svc.Hosts {
			r.Hosts = append(r.Hosts, HostDownEntry{Host: h.Key, DocCount: h.DocCount})
		}
		out = append(out, r)
	}
	return out
}
