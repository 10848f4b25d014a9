package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenOperation is perf metric
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token",
		Help:         "perf_token provides the sample metrics of token operations",
		RequiredTags: []string{"backend", "action"},
	}

	// PerfBackendOperation is perf metric
	PerfBackendOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_backend",
		Help:         "perf_backend provides the sample metrics of signing backend calls",
		RequiredTags: []string{"backend", "action"},
	}

	// PerfKeySetFetch is perf metric
	PerfKeySetFetch = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_jwks_fetch",
		Help:         "perf_jwks_fetch provides the sample metrics of remote key set downloads",
		RequiredTags: []string{"host"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenOperation,
	&PerfBackendOperation,
	&PerfKeySetFetch,
}
