package evaluator

import "testing"

func ctx(alarms []interface{}, qos int, battery float64) map[string]interface{} {
	return map[string]interface{}{
		"message": map[string]interface{}{
			"qos":         qos,
			"retain":      false,
			"received_at": "2025-09-16T19:20:25Z",
		},
		"payload": map[string]interface{}{
			"battery": battery,
			"alarms":  alarms,
		},
	}
}

func TestImplicitAndOverList(t *testing.T) {
	rule := []interface{}{
		map[string]interface{}{"payload.battery": map[string]interface{}{"$lt": 4.0}},
		map[string]interface{}{"message.qos": map[string]interface{}{"$gte": 0}},
	}
	ok, err := Eval(rule, ctx(nil, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected implicit AND to match")
	}
}

func TestNot(t *testing.T) {
	rule := map[string]interface{}{"$not": map[string]interface{}{"message.qos": 0}}
	ok, err := Eval(rule, ctx(nil, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected $not(true) to be false")
	}
}

func TestISO8601OrderedComparison(t *testing.T) {
	rule := map[string]interface{}{
		"message.received_at": map[string]interface{}{"$gte": "2025-01-01T00:00:00Z"},
	}
	ok, err := Eval(rule, ctx(nil, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected ISO-8601 string to compare as a timestamp")
	}
}

func TestExistsFalseOnMissingPath(t *testing.T) {
	rule := map[string]interface{}{"payload.missing_field": map[string]interface{}{"$exists": false}}
	ok, err := Eval(rule, ctx(nil, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected $exists:false to match a missing path")
	}
}

// S6 from the relay's end-to-end scenarios.
func TestOrContainsOrQoS(t *testing.T) {
	rule := map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"payload.alarms": map[string]interface{}{"$contains": "LOW_BATT"}},
			map[string]interface{}{"message.qos": map[string]interface{}{"$gte": 1}},
		},
	}

	ok, err := Eval(rule, ctx([]interface{}{"LOW_BATT"}, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected match when alarms contains LOW_BATT")
	}

	ok, err = Eval(rule, ctx([]interface{}{}, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no match when alarms empty and qos below threshold")
	}
}

func TestUnsupportedOperator(t *testing.T) {
	rule := map[string]interface{}{"payload.battery": map[string]interface{}{"$bogus": 1}}
	_, err := Eval(rule, ctx(nil, 0, 3.2))
	if err == nil {
		t.Fatal("expected an UnsupportedOperatorError")
	}
	var uerr *UnsupportedOperatorError
	if !isUnsupportedOperator(err, &uerr) {
		t.Errorf("expected UnsupportedOperatorError, got %T: %v", err, err)
	}
}

func isUnsupportedOperator(err error, target **UnsupportedOperatorError) bool {
	if e, ok := err.(*UnsupportedOperatorError); ok {
		*target = e
		return true
	}
	return false
}

func TestBetween(t *testing.T) {
	rule := map[string]interface{}{"payload.battery": map[string]interface{}{"$between": []interface{}{3.0, 3.5}}}
	ok, err := Eval(rule, ctx(nil, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected 3.2 to be between 3.0 and 3.5")
	}
}

func TestElemMatchBindsThisToScalarElement(t *testing.T) {
	rule := map[string]interface{}{
		"payload.alarms": map[string]interface{}{
			"$elemMatch": map[string]interface{}{"this": "LOW_BATT"},
		},
	}
	ok, err := Eval(rule, ctx([]interface{}{"OK", "LOW_BATT"}, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected $elemMatch to bind this against a scalar list element")
	}

	ok, err = Eval(rule, ctx([]interface{}{"OK", "HIGH_TEMP"}, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no match when no scalar element equals this")
	}
}

func TestElemMatchOnObjectElements(t *testing.T) {
	rule := map[string]interface{}{
		"payload.readings": map[string]interface{}{
			"$elemMatch": map[string]interface{}{"this.code": "LOW_BATT", "this.severity": map[string]interface{}{"$gte": 2}},
		},
	}
	readings := []interface{}{
		map[string]interface{}{"code": "LOW_BATT", "severity": 1},
		map[string]interface{}{"code": "LOW_BATT", "severity": 3},
	}
	c := ctx(nil, 0, 3.2)
	c["payload"].(map[string]interface{})["readings"] = readings

	ok, err := Eval(rule, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected $elemMatch to find the severity-3 reading")
	}
}

func TestElemMatchCanStillReferenceOuterContext(t *testing.T) {
	rule := map[string]interface{}{
		"payload.alarms": map[string]interface{}{
			"$elemMatch": map[string]interface{}{
				"$and": []interface{}{
					map[string]interface{}{"this": "LOW_BATT"},
					map[string]interface{}{"message.qos": 0},
				},
			},
		},
	}
	ok, err := Eval(rule, ctx([]interface{}{"LOW_BATT"}, 0, 3.2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected $elemMatch sub-rule to see both this and the outer context")
	}
}
