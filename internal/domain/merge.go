package domain

import (
	"dario.cat/mergo"

	json "github.com/goccy/go-json"
)

// MergeVariables overlays the result variable tree onto the current one,
// preserving type metadata from both sides. Objects deep-merge with results
// winning, arrays append, mismatched shapes are replaced by the result.
func MergeVariables(current, results *Variable) *Variable {
	if current == nil {
		return results.Clone()
	}
	out := current.Clone()
	out.MergeFrom(results)
	return out
}

// MergeValues applies the same policy to raw JSON payloads, for json-typed
// values whose structure is opaque to the variable tree.
func MergeValues(current, results json.RawMessage) (json.RawMessage, error) {
	if len(current) == 0 {
		return results, nil
	}
	if len(results) == 0 {
		return current, nil
	}

	var cur, res interface{}
	if err := json.Unmarshal(current, &cur); err != nil {
		return nil, NewExecutionError("merge: current payload is not valid JSON",
			map[string]interface{}{"error": err.Error()})
	}
	if err := json.Unmarshal(results, &res); err != nil {
		return nil, NewExecutionError("merge: result payload is not valid JSON",
			map[string]interface{}{"error": err.Error()})
	}

	if curMap, ok := cur.(map[string]interface{}); ok {
		if resMap, ok := res.(map[string]interface{}); ok {
			if err := mergo.Merge(&curMap, resMap,
				mergo.WithOverride,
				mergo.WithAppendSlice); err != nil {
				return nil, NewExecutionError("merge: deep merge failed",
					map[string]interface{}{"error": err.Error()})
			}
			return marshalMerged(curMap)
		}
	}
	if curArr, ok := cur.([]interface{}); ok {
		if resArr, ok := res.([]interface{}); ok {
			return marshalMerged(append(curArr, resArr...))
		}
	}

	// Shape mismatch: the result replaces the payload wholesale.
	return results, nil
}

func marshalMerged(v interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, NewExecutionError("merge: marshal merged payload",
			map[string]interface{}{"error": err.Error()})
	}
	return raw, nil
}

// mergeJSONScalars folds two json-typed scalar values together when both
// carry JSON text; anything else yields the result as-is.
func mergeJSONScalars(current, results interface{}) interface{} {
	cs, cok := current.(string)
	rs, rok := results.(string)
	if !cok || !rok {
		return results
	}
	merged, err := MergeValues(json.RawMessage(cs), json.RawMessage(rs))
	if err != nil {
		return results
	}
	return string(merged)
}
