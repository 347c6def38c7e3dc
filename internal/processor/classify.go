package processor

import "encoding/json"

// classified is the tagged-variant shape a single metric value decomposes
// into before it becomes a model.ParsedPoint row.
type classified struct {
	Num  *float64
	Str  *string
	Bool *bool
	JSON *string
}

// classify implements spec §4.4 step 6. bool is checked before int/float:
// the source language this spec was distilled from treated Go-style bools
// as integers in places, which is called out as a latent bug to avoid, not
// to repeat.
func classify(v interface{}) (classified, error) {
	switch val := v.(type) {
	case bool:
		b := val
		return classified{Bool: &b}, nil
	case float64:
		n := val
		return classified{Num: &n}, nil
	case float32:
		n := float64(val)
		return classified{Num: &n}, nil
	case int:
		n := float64(val)
		return classified{Num: &n}, nil
	case int64:
		n := float64(val)
		return classified{Num: &n}, nil
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return classified{}, err
		}
		return classified{Num: &n}, nil
	case string:
		s := val
		return classified{Str: &s}, nil
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return classified{}, err
		}
		s := string(b)
		return classified{JSON: &s}, nil
	case nil:
		s := ""
		return classified{Str: &s}, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return classified{}, err
		}
		s := string(b)
		return classified{JSON: &s}, nil
	}
}
