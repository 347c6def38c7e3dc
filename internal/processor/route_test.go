package processor

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/user/mqttrelay/internal/model"
	"github.com/user/mqttrelay/pkg/message"
)

func ctxWithBattery(battery float64) message.Context {
	return message.Context{
		Topic:   "farm1/weather/node3",
		Payload: map[string]interface{}{"battery": battery},
	}
}

func TestSelectRouteConditionedRuleWinsOnMatch(t *testing.T) {
	now := time.Now()
	ruleA := model.RoutingRule{
		ID: uuid.New(), Priority: 100, CreatedAt: now,
		Conditions: []byte(`{"payload.battery": {"$lt": 3.5}}`),
	}
	ruleB := model.RoutingRule{ID: uuid.New(), Priority: 100, CreatedAt: now.Add(-time.Hour)}

	winner, _, err := SelectRoute([]model.RoutingRule{ruleA, ruleB}, ctxWithBattery(3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.ID != ruleA.ID {
		t.Errorf("expected conditioned rule A to win on match, got %v", winner.ID)
	}

	winner, _, err = SelectRoute([]model.RoutingRule{ruleA, ruleB}, ctxWithBattery(3.8))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.ID != ruleB.ID {
		t.Errorf("expected unconditioned rule B to win when A's condition fails, got %v", winner.ID)
	}
}

func TestSelectRouteMinPriorityWins(t *testing.T) {
	now := time.Now()
	lowPriority := model.RoutingRule{ID: uuid.New(), Priority: 50, CreatedAt: now}
	highPriority := model.RoutingRule{ID: uuid.New(), Priority: 200, CreatedAt: now}

	winner, _, err := SelectRoute([]model.RoutingRule{lowPriority, highPriority}, ctxWithBattery(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.ID != lowPriority.ID {
		t.Errorf("expected minimum priority (50) to win, got priority of rule %v", winner.ID)
	}
}

func TestSelectRouteNoRouteFound(t *testing.T) {
	_, _, err := SelectRoute(nil, ctxWithBattery(1))
	if err != ErrNoRouteFound {
		t.Errorf("expected ErrNoRouteFound, got %v", err)
	}
}

func TestSelectRouteBonusNeverPromotesAcrossPriority(t *testing.T) {
	now := time.Now()
	lowPriorityUnconditioned := model.RoutingRule{ID: uuid.New(), Priority: 50, CreatedAt: now}
	highPriorityConditionedMatch := model.RoutingRule{
		ID: uuid.New(), Priority: 200, CreatedAt: now,
		Conditions: []byte(`{"payload.battery": {"$lt": 3.5}}`),
	}
	winner, _, err := SelectRoute([]model.RoutingRule{lowPriorityUnconditioned, highPriorityConditionedMatch}, ctxWithBattery(3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if winner.ID != lowPriorityUnconditioned.ID {
		t.Error("a +1 eval bonus must never let a higher-priority-number rule beat a lower one")
	}
}
