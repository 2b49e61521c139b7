package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// CommunicationAgent drafts the proposal email from the ranked proposals.
// A draft without a recipient is left for the sender to route to the
// operations inbox.
type CommunicationAgent struct {
	domain.BaseAgent
}

func NewCommunicationAgent() *CommunicationAgent {
	return &CommunicationAgent{BaseAgent: domain.NewBaseAgent(domain.AgentCommunication)}
}

func (a *CommunicationAgent) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	to := gjson.GetBytes(in.Context, "client.email").String()
	if to == "" {
		to = gjson.GetBytes(in.Context, "request.client.email").String()
	}
	if to == "" {
		to = gjson.GetBytes(in.Context, "request.reply_to").String()
	}

	name := gjson.GetBytes(in.Context, "client.name").String()
	if name == "" {
		name = "there"
	}
	from := gjson.GetBytes(in.Context, "analysis.route.from").String()
	dest := gjson.GetBytes(in.Context, "analysis.route.to").String()
	date := gjson.GetBytes(in.Context, "analysis.departure_date").String()

	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	ranked := gjson.GetBytes(in.Context, "proposals.ranked").Array()
	if len(ranked) == 0 {
		fmt.Fprintf(&b, "We have not yet received operator quotes for %s to %s on %s. We will follow up as soon as options are available.\n", from, dest, date)
	} else {
		fmt.Fprintf(&b, "Here are the options for %s to %s on %s:\n\n", from, dest, date)
		for _, p := range ranked {
			fmt.Fprintf(&b, "%d. %s %.2f", p.Get("rank").Int(), p.Get("currency").String(), p.Get("price").Float())
			if op := p.Get("source_operator").String(); op != "" {
				fmt.Fprintf(&b, " (%s)", op)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nBest regards")

	raw, err := json.Marshal(Email{
		To:      to,
		Subject: fmt.Sprintf("Charter proposal %s-%s %s", from, dest, date),
		Body:    b.String(),
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	data, err := sjson.SetRawBytes([]byte(`{}`), "communication", raw)
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.Succeed(data), nil
}
