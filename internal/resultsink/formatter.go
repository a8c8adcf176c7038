package resultsink

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// systemFields are excluded from the default flattened display value,
// grounded on the original source's _generate_result_file fallback
// heuristic (which excludes its own bookkeeping keys before flattening
// whatever the workflow returned).
var systemFields = map[string]bool{
	"metadata":   true,
	"usage":      true,
	"created_at": true,
}

// DefaultFormatter renders outputs as "key: value" pairs, one per line,
// sorted by key for determinism, skipping systemFields and flattening
// nested JSON values. This generalizes the original's ad-hoc outputs-dict
// flattening into an explicit, swappable default.
func DefaultFormatter(outputs map[string]interface{}) string {
	if len(outputs) == 0 {
		return ""
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		if systemFields[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) == 1 {
		return flattenValue(outputs[keys[0]])
	}

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", k, flattenValue(outputs[k]))
	}
	return b.String()
}

func flattenValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
