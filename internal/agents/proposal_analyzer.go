package agents

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

type Proposal struct {
	Rank           int        `json:"rank"`
	QuoteID        string     `json:"quote_id"`
	Price          float64    `json:"price"`
	Currency       string     `json:"currency"`
	SourceOperator string     `json:"source_operator,omitempty"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
}

// ProposalAnalyzer ranks the collected quotes by price. Expired quotes are
// dropped.
type ProposalAnalyzer struct {
	domain.BaseAgent
	now func() time.Time
}

func NewProposalAnalyzer() *ProposalAnalyzer {
	return &ProposalAnalyzer{
		BaseAgent: domain.NewBaseAgent(domain.AgentProposalAnalyzer),
		now:       time.Now,
	}
}

func (a *ProposalAnalyzer) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	now := a.now().UTC()
	var proposals []Proposal
	expired := 0

	gjson.GetBytes(in.Context, "quotes").ForEach(func(_, q gjson.Result) bool {
		p := Proposal{
			QuoteID:        q.Get("id").String(),
			Price:          q.Get("price").Float(),
			Currency:       q.Get("currency").String(),
			SourceOperator: q.Get("source_operator").String(),
		}
		if until := q.Get("valid_until").Time(); !until.IsZero() {
			if until.Before(now) {
				expired++
				return true
			}
			p.ValidUntil = &until
		}
		proposals = append(proposals, p)
		return true
	})

	sort.SliceStable(proposals, func(i, j int) bool { return proposals[i].Price < proposals[j].Price })
	for i := range proposals {
		proposals[i].Rank = i + 1
	}
	if proposals == nil {
		proposals = []Proposal{}
	}

	raw, err := json.Marshal(map[string]any{
		"ranked":  proposals,
		"count":   len(proposals),
		"expired": expired,
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	data, err := sjson.SetRawBytes([]byte(`{}`), "proposals", raw)
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.Succeed(data), nil
}
