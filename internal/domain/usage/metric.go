package usage

// MetricType represents the type of billable resource being metered.
type MetricType string

const (
	// MetricAPICalls tracks the number of API requests made
	MetricAPICalls MetricType = "api_calls"

	// MetricQueries tracks the number of search/retrieval queries executed
	MetricQueries MetricType = "queries"

	// MetricDocuments tracks the number of documents ingested
	MetricDocuments MetricType = "documents"

	// MetricTokens tracks the number of model tokens consumed
	MetricTokens MetricType = "tokens"
)

// String returns the string representation of MetricType
func (m MetricType) String() string {
	return string(m)
}

// IsValid returns true if the metric type is valid
func (m MetricType) IsValid() bool {
	switch m {
	case MetricAPICalls, MetricQueries, MetricDocuments, MetricTokens:
		return true
	}
	return false
}

// AllMetricTypes returns all metric types
func AllMetricTypes() []MetricType {
	return []MetricType{
		MetricAPICalls,
		MetricQueries,
		MetricDocuments,
		MetricTokens,
	}
}
