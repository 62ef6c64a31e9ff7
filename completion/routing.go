package completion

import (
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/types"
)

// RouteMatch is the outcome of a matched routing rule.
type RouteMatch struct {
	Model types.ModelConfig
	Group *types.RoutingConditionGroup
}

// Router evaluates a resource's routing condition groups in order;
// the first matching enabled group wins.
type Router struct {
	logger *zap.Logger

	// rollTraffic decides a traffic-percentage split. Replaced in tests.
	rollTraffic func(percent int) bool
}

// NewRouter creates the routing evaluator.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:      logger.With(zap.String("component", "router")),
		rollTraffic: func(percent int) bool { return rand.Intn(100) < percent },
	}
}

// Evaluate walks the condition groups. Returns nil when nothing matches
// (the caller keeps the primary model), a RouteMatch when a route group
// matches, and a BLOCKED_BY_ROUTING error when a block group matches.
func (r *Router) Evaluate(resource *types.AIResource, req *types.CompletionRequest, requestTokens int) (*RouteMatch, error) {
	if resource.Routing == nil || !resource.Routing.Enabled {
		return nil, nil
	}

	vars := newFieldContext(resource, req, requestTokens)
	for i := range resource.Routing.Conditions {
		group := &resource.Routing.Conditions[i]
		if !group.IsEnabled() {
			continue
		}
		if !evaluateGroup(group, vars) {
			continue
		}

		if group.Action == types.ActionBlock {
			r.logger.Info("request blocked by routing condition",
				zap.String("resource_id", resource.ResourceID),
				zap.String("description", group.Description))
			return nil, types.NewCompletionError(types.ErrBlockedByRouting,
				fmt.Sprintf("request blocked by routing condition: %s", group.Description)).
				WithStatusCode(http.StatusBadRequest).
				WithFailureReason("Blocked by routing condition")
		}

		if group.TrafficPercent > 0 && !r.rollTraffic(group.TrafficPercent) {
			continue
		}

		r.logger.Debug("routing condition matched",
			zap.String("resource_id", resource.ResourceID),
			zap.String("description", group.Description))
		return &RouteMatch{Model: group.Then, Group: group}, nil
	}
	return nil, nil
}

// evaluateGroup applies the group operator across leaf conditions and
// nested groups. Disabled nested groups are skipped; a group with no
// (enabled) members never matches under OR and matches vacuously under
// AND only when it has at least one condition.
func evaluateGroup(group *types.RoutingConditionGroup, vars *fieldContext) bool {
	if len(group.Conditions) == 0 && len(group.Groups) == 0 {
		return false
	}

	if group.Operator == types.OperatorOr {
		for _, cond := range group.Conditions {
			if matchCondition(&cond, vars) {
				return true
			}
		}
		for i := range group.Groups {
			nested := &group.Groups[i]
			if !nested.IsEnabled() {
				continue
			}
			if evaluateGroup(nested, vars) {
				return true
			}
		}
		return false
	}

	// AND is the default operator.
	for _, cond := range group.Conditions {
		if !matchCondition(&cond, vars) {
			return false
		}
	}
	for i := range group.Groups {
		nested := &group.Groups[i]
		if !nested.IsEnabled() {
			continue
		}
		if !evaluateGroup(nested, vars) {
			return false
		}
	}
	return true
}

// fieldContext resolves dotted field accessors against the request.
type fieldContext struct {
	resource      *types.AIResource
	req           *types.CompletionRequest
	requestTokens int
}

func newFieldContext(resource *types.AIResource, req *types.CompletionRequest, requestTokens int) *fieldContext {
	return &fieldContext{resource: resource, req: req, requestTokens: requestTokens}
}

// resolve maps a dotted accessor to its string value. Unknown fields
// resolve to an empty string, which no comparator except not-* matches.
func (c *fieldContext) resolve(field string) string {
	switch field {
	case "request.model":
		return c.req.Model
	case "request.stream":
		return strconv.FormatBool(c.req.Stream)
	case "request.messagesCount":
		return strconv.Itoa(len(c.req.Messages))
	case "request.toolsCount":
		return strconv.Itoa(len(c.req.Tools))
	case "request.lastMessage.role":
		return c.req.LastMessage().Role
	case "request.lastMessage.content":
		return c.req.LastMessage().Content
	case "request.firstMessage.role":
		if len(c.req.Messages) == 0 {
			return ""
		}
		return c.req.Messages[0].Role
	case "request.firstMessage.content":
		if len(c.req.Messages) == 0 {
			return ""
		}
		return c.req.Messages[0].Content
	case "request.allMessagesContent":
		parts := make([]string, 0, len(c.req.Messages))
		for _, m := range c.req.Messages {
			if m.Content != "" {
				parts = append(parts, m.Content)
			}
		}
		return strings.Join(parts, " ")
	case "tokens.input":
		return strconv.Itoa(c.requestTokens)
	case "resource.name":
		return c.resource.Name
	case "resource.model.model":
		return c.resource.Model.Model
	case "resource.model.provider":
		return c.resource.Model.Provider
	}
	if name, ok := strings.CutPrefix(field, "request.headers."); ok {
		return c.req.Headers[strings.ToLower(name)]
	}
	return ""
}

func matchCondition(cond *types.RoutingCondition, vars *fieldContext) bool {
	fieldValue := vars.resolve(cond.Field)

	switch cond.Comparator {
	case types.CompareEqual:
		return fieldValue == cond.Value
	case types.CompareNotEqual:
		return fieldValue != cond.Value
	case types.CompareContains:
		return strings.Contains(fieldValue, cond.Value)
	case types.CompareNotContains:
		return !strings.Contains(fieldValue, cond.Value)
	case types.CompareStartsWith:
		return strings.HasPrefix(fieldValue, cond.Value)
	case types.CompareEndsWith:
		return strings.HasSuffix(fieldValue, cond.Value)
	case types.ComparePattern:
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false
		}
		return re.MatchString(fieldValue)
	case types.CompareIn:
		return inList(fieldValue, cond.Value)
	case types.CompareNotIn:
		return !inList(fieldValue, cond.Value)
	case types.CompareGreater:
		return compareNumericOrLexical(fieldValue, cond.Value) > 0
	case types.CompareGreaterOrEqual:
		return compareNumericOrLexical(fieldValue, cond.Value) >= 0
	case types.CompareLess:
		return compareNumericOrLexical(fieldValue, cond.Value) < 0
	case types.CompareLessOrEqual:
		return compareNumericOrLexical(fieldValue, cond.Value) <= 0
	case types.CompareExists:
		return fieldValue != ""
	}
	return false
}

func inList(value, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == value {
			return true
		}
	}
	return false
}

// compareNumericOrLexical compares numerically when both sides parse as
// floats, otherwise lexically.
func compareNumericOrLexical(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
