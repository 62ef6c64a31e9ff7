package types

// ModelConfig binds a provider model to the connection it runs on.
type ModelConfig struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	ConnectionID string `json:"connection_id"`
}

// Zero reports whether the config is unset.
func (m ModelConfig) Zero() bool {
	return m.Provider == "" && m.Model == "" && m.ConnectionID == ""
}

// RoutingComparator compares a resolved field value against a condition value.
type RoutingComparator string

const (
	CompareEqual          RoutingComparator = "eq"
	CompareNotEqual       RoutingComparator = "ne"
	CompareContains       RoutingComparator = "contains"
	CompareNotContains    RoutingComparator = "not-contains"
	CompareStartsWith     RoutingComparator = "starts-with"
	CompareEndsWith       RoutingComparator = "ends-with"
	ComparePattern        RoutingComparator = "pattern"
	CompareIn             RoutingComparator = "in"
	CompareNotIn          RoutingComparator = "not-in"
	CompareGreater        RoutingComparator = "gt"
	CompareGreaterOrEqual RoutingComparator = "gte"
	CompareLess           RoutingComparator = "lt"
	CompareLessOrEqual    RoutingComparator = "lte"
	CompareExists         RoutingComparator = "exists"
)

// RoutingOperator joins the conditions of a group.
type RoutingOperator string

const (
	OperatorAnd RoutingOperator = "and"
	OperatorOr  RoutingOperator = "or"
)

// RoutingAction is what a matched group does with the request.
type RoutingAction string

const (
	ActionRoute RoutingAction = "route"
	ActionBlock RoutingAction = "block"
)

// RoutingCondition is a leaf predicate over request-time fields.
// Field is a dotted accessor (e.g. "request.model",
// "request.headers.x-priority", "tokens.input").
type RoutingCondition struct {
	Field      string            `json:"field"`
	Comparator RoutingComparator `json:"comparator"`
	Value      string            `json:"value,omitempty"`
}

// RoutingConditionGroup is one ordered routing rule: a conjunction or
// disjunction of leaf conditions and nested groups, with the model the
// request is rerouted to when it matches.
type RoutingConditionGroup struct {
	Description string                  `json:"description,omitempty"`
	Enabled     *bool                   `json:"enabled,omitempty"`
	Operator    RoutingOperator         `json:"operator,omitempty"`
	Conditions  []RoutingCondition      `json:"conditions,omitempty"`
	Groups      []RoutingConditionGroup `json:"groups,omitempty"`
	Action      RoutingAction           `json:"action,omitempty"`
	Then        ModelConfig             `json:"then,omitempty"`
	// TrafficPercent splits traffic to Then; 0 means route all matches.
	TrafficPercent int `json:"traffic_percent,omitempty"`
}

// IsEnabled treats a nil Enabled as true.
func (g *RoutingConditionGroup) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Routing holds a resource's dynamic routing configuration.
type Routing struct {
	Enabled    bool                    `json:"enabled"`
	Conditions []RoutingConditionGroup `json:"conditions,omitempty"`
}

// AIResource is a named, tenant-scoped logical completion endpoint.
// Read-only during request handling; merged field-by-field with
// caller-supplied overrides at request time.
type AIResource struct {
	WorkspaceID     string        `json:"workspace_id,omitempty"`
	EnvironmentID   string        `json:"environment_id,omitempty"`
	ResourceID      string        `json:"resource_id,omitempty"`
	Name            string        `json:"name,omitempty"`
	Model           ModelConfig   `json:"model,omitempty"`
	FallbackModels  []ModelConfig `json:"fallback_models,omitempty"`
	SecondaryModels []ModelConfig `json:"secondary_models,omitempty"`
	Routing         *Routing      `json:"routing,omitempty"`
	Capacity        []Capacity    `json:"capacity,omitempty"`
	EnforceCapacity bool          `json:"enforce_capacity,omitempty"`
}

// Merge returns a copy of the resource with non-zero override fields
// replacing the base values. The override wins field-by-field.
func (r *AIResource) Merge(override *AIResource) *AIResource {
	if r == nil {
		r = &AIResource{}
	}
	merged := *r
	if override == nil {
		return &merged
	}
	if !override.Model.Zero() {
		merged.Model = override.Model
	}
	if override.FallbackModels != nil {
		merged.FallbackModels = override.FallbackModels
	}
	if override.SecondaryModels != nil {
		merged.SecondaryModels = override.SecondaryModels
	}
	if override.Routing != nil {
		merged.Routing = override.Routing
	}
	if override.Capacity != nil {
		merged.Capacity = override.Capacity
	}
	if override.EnforceCapacity {
		merged.EnforceCapacity = true
	}
	return &merged
}

// AIConnection is a configured credential+provider pair a model binds to.
// Credentials arrive decrypted from the store; DiscoveredCapacity is
// updated opportunistically after successful calls.
type AIConnection struct {
	WorkspaceID        string              `json:"workspace_id,omitempty"`
	EnvironmentID      string              `json:"environment_id,omitempty"`
	ConnectionID       string              `json:"connection_id"`
	Provider           string              `json:"provider"`
	BaseURL            string              `json:"base_url,omitempty"`
	APIKey             string              `json:"api_key,omitempty"`
	Capacity           []Capacity          `json:"capacity,omitempty"`
	DiscoveredCapacity *DiscoveredCapacity `json:"discovered_capacity,omitempty"`
}
