// Package router classifies API calls into routing domains and dispatches
// them: node-local calls go straight to this daemon's backend, cluster
// calls are gated on quorum and forwarded to the leader when the leader
// is elsewhere.
package router

import "strings"

// Domain says where a call may be answered.
type Domain uint8

const (
	DomainUnknown Domain = iota
	// DomainLocal calls are answerable from this node's own state and
	// must keep working while the node is partitioned from the cluster.
	DomainLocal
	// DomainCluster calls need a consistent cluster-wide view and only
	// run against a quorum.
	DomainCluster
)

func (d Domain) String() string {
	switch d {
	case DomainLocal:
		return "local"
	case DomainCluster:
		return "cluster"
	default:
		return "unknown"
	}
}

// Decision is the outcome of classifying one full gRPC method name.
type Decision struct {
	Domain  Domain
	Service string
	Method  string
}

// The classification table is static: a service's package prefix decides
// its domain. Agent methods are node-local on purpose — they execute
// against the machine they arrive on and must work under partition.
var table = []struct {
	prefix string
	domain Domain
}{
	{"/hyperfleet.local.v1.", DomainLocal},
	{"/hyperfleet.agent.v1.", DomainLocal},
	{"/hyperfleet.cluster.v1.", DomainCluster},
}

// Route classifies fullMethod ("/package.Service/Method"). Pure table
// lookup, no I/O; unknown prefixes come back as DomainUnknown and the
// dispatcher rejects them.
func Route(fullMethod string) Decision {
	d := Decision{Domain: DomainUnknown}
	service, method, ok := splitFullMethod(fullMethod)
	if !ok {
		return d
	}
	d.Service = service
	d.Method = method
	for _, row := range table {
		if strings.HasPrefix(fullMethod, row.prefix) {
			d.Domain = row.domain
			return d
		}
	}
	return d
}

func splitFullMethod(fullMethod string) (service, method string, ok bool) {
	if !strings.HasPrefix(fullMethod, "/") {
		return "", "", false
	}
	rest := fullMethod[1:]
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
