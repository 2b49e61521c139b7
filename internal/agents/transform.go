package agents

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// TransformRule copies the value at From (gjson path) to To (sjson path).
type TransformRule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Transform builds a new document from input by applying rules in order.
// Rules whose source is missing are skipped, so later rules can act as
// fallbacks only when they target a path nothing has written yet.
func Transform(input domain.Data, rules []TransformRule) (domain.Data, error) {
	src := string(input)
	if src == "" {
		src = "{}"
	}

	result := "{}"
	for _, rule := range rules {
		value := gjson.Get(src, rule.From)
		if !value.Exists() {
			continue
		}
		if gjson.Get(result, rule.To).Exists() {
			continue
		}

		var err error
		result, err = sjson.SetRaw(result, rule.To, value.Raw)
		if err != nil {
			return nil, fmt.Errorf("transform %s -> %s: %w", rule.From, rule.To, err)
		}
	}
	return domain.Data(result), nil
}
