// Package completion implements the gateway core: capacity admission,
// dynamic routing and the fallback orchestrator.
package completion

import (
	"fmt"
	"time"

	"github.com/vmx-ai/vmx/types"
)

// Evaluation names one capacity window the gate consumed for a request.
// The orchestrator hands evaluations back for token reconciliation once
// the provider reports actual usage.
type Evaluation struct {
	Period    types.CapacityPeriod `json:"period"`
	KeyPrefix string               `json:"key_prefix"`
}

// prefixedRule is an enabled capacity rule bound to its redis key prefix.
type prefixedRule struct {
	rule           types.Capacity
	keyPrefix      string
	source         string
	dimensionValue string
}

// resourceKeyPrefix builds the hash-tagged counter prefix so every window
// of one resource/connection pair lands on the same cluster slot.
func resourceKeyPrefix(workspaceID, environmentID, resourceID, connectionID string) string {
	return fmt.Sprintf("capacity:{%s:%s:%s:%s}", workspaceID, environmentID, resourceID, connectionID)
}

// ruleKeyPrefix scopes a rule under the base prefix, inserting the
// dimension segment when the rule is dimension-bound.
func ruleKeyPrefix(rule types.Capacity, base, sourceIP string) (keyPrefix, dimensionValue string) {
	base = base + ":resource-usage:"
	if rule.Dimension == types.DimensionSourceIP && sourceIP != "" {
		return base + "source-ip:" + sourceIP + ":", sourceIP
	}
	return base, ""
}

// resolveRules collects the enabled admission rules for one attempt:
// every enabled connection rule, the resource rules when the resource
// enforces capacity, and any extra rule set (batch capacity override).
func resolveRules(resource *types.AIResource, conn *types.AIConnection, extra []types.Capacity, sourceIP string) []prefixedRule {
	base := resourceKeyPrefix(resource.WorkspaceID, resource.EnvironmentID, resource.ResourceID, conn.ConnectionID)

	var rules []prefixedRule
	appendRules := func(capacities []types.Capacity, source string) {
		for _, c := range capacities {
			if !c.Enabled {
				continue
			}
			prefix, dim := ruleKeyPrefix(c, base, sourceIP)
			rules = append(rules, prefixedRule{rule: c, keyPrefix: prefix, source: source, dimensionValue: dim})
		}
	}

	appendRules(conn.Capacity, "AI Connection")
	if resource.EnforceCapacity {
		appendRules(resource.Capacity, "AI Resource")
	}
	appendRules(extra, "Batch")
	return rules
}

// discoveredEvaluations returns the windows learned from provider
// rate-limit headers for the model. They live in their own keyspace
// directly under the base prefix so a discovered window never shares
// counters with a configured rule for the same period.
func discoveredEvaluations(resource *types.AIResource, conn *types.AIConnection, model string) []Evaluation {
	if conn.DiscoveredCapacity == nil {
		return nil
	}
	entry, ok := conn.DiscoveredCapacity.Models[model]
	if !ok {
		return nil
	}
	base := resourceKeyPrefix(resource.WorkspaceID, resource.EnvironmentID, resource.ResourceID, conn.ConnectionID)
	evals := make([]Evaluation, 0, len(entry.Capacity))
	for _, c := range entry.Capacity {
		evals = append(evals, Evaluation{Period: c.Period, KeyPrefix: base + ":"})
	}
	return evals
}

// remainingSeconds returns how many seconds are left in the period's
// current window, computed in UTC. Lifetime windows never roll over and
// report -1.
func remainingSeconds(period types.CapacityPeriod, now time.Time) int64 {
	now = now.UTC()
	switch period {
	case types.PeriodMinute:
		return int64(60 - now.Second())
	case types.PeriodHour:
		return int64(3600 - now.Minute()*60 - now.Second())
	case types.PeriodDay:
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		return int64(next.Sub(now) / time.Second)
	case types.PeriodWeek:
		// Weeks end Saturday night UTC.
		daysLeft := 6 - int(now.Weekday())
		next := time.Date(now.Year(), now.Month(), now.Day()+daysLeft+1, 0, 0, 0, 0, time.UTC)
		return int64(next.Sub(now) / time.Second)
	case types.PeriodMonth:
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		return int64(next.Sub(now) / time.Second)
	default:
		return -1
	}
}
