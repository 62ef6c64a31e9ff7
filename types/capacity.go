package types

// CapacityPeriod is the rolling window a capacity rule applies to.
type CapacityPeriod string

const (
	PeriodMinute   CapacityPeriod = "minute"
	PeriodHour     CapacityPeriod = "hour"
	PeriodDay      CapacityPeriod = "day"
	PeriodWeek     CapacityPeriod = "week"
	PeriodMonth    CapacityPeriod = "month"
	PeriodLifetime CapacityPeriod = "lifetime"
)

// CapacityPeriods lists every period in ascending window order.
var CapacityPeriods = []CapacityPeriod{
	PeriodMinute, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodLifetime,
}

// CapacityDimension scopes a rule to an axis of the request context.
// The closed set today is source IP; new dimensions extend this enum.
type CapacityDimension string

const (
	DimensionNone     CapacityDimension = ""
	DimensionSourceIP CapacityDimension = "source-ip"
)

// Capacity is a single admission rule: request and token budgets over a
// period, optionally scoped to a dimension. Zero budgets are unlimited.
type Capacity struct {
	Period    CapacityPeriod    `json:"period"`
	Requests  int64             `json:"requests,omitempty"`
	Tokens    int64             `json:"tokens,omitempty"`
	Enabled   bool              `json:"enabled"`
	Dimension CapacityDimension `json:"dimension,omitempty"`
}

// DefaultCapacities returns the five fixed system rules (one per bounded
// period, disabled). They always occupy the head of a rule list and cannot
// be removed, only toggled.
func DefaultCapacities() []Capacity {
	return []Capacity{
		{Period: PeriodMinute},
		{Period: PeriodHour},
		{Period: PeriodDay},
		{Period: PeriodWeek},
		{Period: PeriodMonth},
	}
}

// DiscoveredCapacityEntry is the per-model capacity learned from provider
// rate-limit response headers.
type DiscoveredCapacityEntry struct {
	UpdatedAt    string     `json:"updated_at"`
	Capacity     []Capacity `json:"capacity"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// DiscoveredCapacity maps model name to its discovered entry.
type DiscoveredCapacity struct {
	Models map[string]DiscoveredCapacityEntry `json:"models"`
}
