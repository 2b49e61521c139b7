package agents

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// QuoteGate closes the quote collection window. It runs when the policy is
// satisfied, an operator forces it, or the timeout elapses, and always
// succeeds: an empty quote set is recorded as such.
type QuoteGate struct {
	domain.BaseAgent
}

func NewQuoteGate() *QuoteGate {
	return &QuoteGate{BaseAgent: domain.NewBaseAgent(domain.AgentQuoteGate)}
}

func (g *QuoteGate) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	reason := gjson.GetBytes(in.Payload, "reason").String()
	if reason == "" {
		reason = "timeout"
	}

	// Quotes stay owned by RecordQuote; the gate only reports what it saw.
	count := 0
	if quotes := gjson.GetBytes(in.Context, "quotes"); quotes.IsArray() {
		count = len(quotes.Array())
	}

	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "quotes_sufficient", strings.HasPrefix(reason, "policy:")); err != nil {
		return domain.AgentResult{}, err
	}
	if out, err = sjson.SetBytes(out, "quote_gate", map[string]any{
		"reason": reason,
		"count":  count,
	}); err != nil {
		return domain.AgentResult{}, err
	}
	res := domain.Succeed(out)
	res.Defaults = domain.Data(`{"quotes":[]}`)
	return res, nil
}
