package order

import (
	"encoding/json"
	"fmt"
)

// checkExactFields enforces the closed schema: every declared field must be
// present in the JSON object and no undeclared field may appear. Signed
// orders additionally carry v/r/s.
func checkExactFields(raw []byte, declared []string, signed bool) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}

	fields := declared
	if signed {
		fields = append(append([]string{}, declared...), "v", "r", "s")
	}

	for _, name := range fields {
		if _, ok := obj[name]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrSchema, name)
		}
	}
	for name := range obj {
		found := false
		for _, f := range fields {
			if f == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: unexpected field %q", ErrSchema, name)
		}
	}
	return nil
}
