package processor

import "testing"

func TestClassifyBoolBeforeNumeric(t *testing.T) {
	c, err := classify(true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Bool == nil || c.Num != nil {
		t.Errorf("expected bool true to classify as bool_value, not num_value, got %+v", c)
	}
}

func TestClassifyNumeric(t *testing.T) {
	c, err := classify(12.3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Num == nil || *c.Num != 12.3 {
		t.Errorf("expected num_value 12.3, got %+v", c)
	}
}

func TestClassifyString(t *testing.T) {
	c, err := classify("hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Str == nil || *c.Str != "hello" {
		t.Errorf("expected str_value hello, got %+v", c)
	}
}

func TestClassifyJSONForMapsAndLists(t *testing.T) {
	c, err := classify(map[string]interface{}{"a": 1.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.JSON == nil {
		t.Errorf("expected json_value for a map, got %+v", c)
	}

	c, err = classify([]interface{}{1.0, 2.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.JSON == nil {
		t.Errorf("expected json_value for a list, got %+v", c)
	}
}
