package processor

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/pkg/evaluator"
	"github.com/user/mqttrelay/pkg/message"
)

// candidate pairs a routing rule with the evaluation bonus computed for it.
// bonus is only ever set (non-zero) for rules with non-empty conditions: +1
// on a matching condition, -1 when the condition raised an evaluation
// error (treated as conditionless but demoted). A conditionless rule always
// carries bonus 0.
type candidate struct {
	rule  model.RoutingRule
	bonus int
}

// SelectRoute implements spec §4.3/§4.4 step 2: filter candidates by
// condition match, then choose minimum priority, then minimum
// (priority - bonus), then newest created_at. If the two newest finalists
// also share created_at, the winner among them is whichever the sort leaves
// first, and every finalist is returned in tied for the caller to log.
func SelectRoute(rules []model.RoutingRule, ctx message.Context) (winner *model.RoutingRule, tied []model.RoutingRule, err error) {
	ctxMap := ctx.AsMap()

	var candidates []candidate
	for _, r := range rules {
		if len(r.Conditions) == 0 || string(r.Conditions) == "null" {
			candidates = append(candidates, candidate{rule: r, bonus: 0})
			continue
		}
		var cond interface{}
		if decodeErr := decodeJSON(r.Conditions, &cond); decodeErr != nil {
			candidates = append(candidates, candidate{rule: r, bonus: -1})
			continue
		}
		matched, evalErr := evaluator.Eval(cond, ctxMap)
		if evalErr != nil {
			candidates = append(candidates, candidate{rule: r, bonus: -1})
			continue
		}
		if !matched {
			continue
		}
		candidates = append(candidates, candidate{rule: r, bonus: 1})
	}

	if len(candidates) == 0 {
		return nil, nil, ErrNoRouteFound
	}

	minPriority := candidates[0].rule.Priority
	for _, c := range candidates[1:] {
		if c.rule.Priority < minPriority {
			minPriority = c.rule.Priority
		}
	}
	var atMinPriority []candidate
	for _, c := range candidates {
		if c.rule.Priority == minPriority {
			atMinPriority = append(atMinPriority, c)
		}
	}

	minAdjusted := atMinPriority[0].rule.Priority - atMinPriority[0].bonus
	for _, c := range atMinPriority[1:] {
		adj := c.rule.Priority - c.bonus
		if adj < minAdjusted {
			minAdjusted = adj
		}
	}
	var finalists []candidate
	for _, c := range atMinPriority {
		if c.rule.Priority-c.bonus == minAdjusted {
			finalists = append(finalists, c)
		}
	}

	sort.Slice(finalists, func(i, j int) bool {
		return finalists[i].rule.CreatedAt.After(finalists[j].rule.CreatedAt)
	})

	if len(finalists) > 1 && finalists[0].rule.CreatedAt.Equal(finalists[1].rule.CreatedAt) {
		for _, c := range finalists {
			tied = append(tied, c.rule)
		}
	}

	w := finalists[0].rule
	return &w, tied, nil
}

func decodeJSON(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty conditions")
	}
	return json.Unmarshal(raw, out)
}
