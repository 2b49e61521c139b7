package agents

import (
	"context"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// ProposalSender delivers the drafted email. The workflow id is the
// idempotency key and a recorded delivery short-circuits the send.
type ProposalSender struct {
	domain.BaseAgent
	mailer Mailer
	// opsInbox receives drafts for requesters without an address.
	opsInbox string
}

func NewProposalSender(mailer Mailer, opsInbox string) *ProposalSender {
	return &ProposalSender{
		BaseAgent: domain.NewBaseAgent(domain.AgentProposalSender),
		mailer:    mailer,
		opsInbox:  opsInbox,
	}
}

func (s *ProposalSender) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	if gjson.GetBytes(in.Context, "delivery.message_id").String() != "" {
		return domain.Succeed(nil), nil
	}

	c := gjson.GetBytes(in.Context, "communication")
	msg := Email{
		To:      c.Get("to").String(),
		Subject: c.Get("subject").String(),
		Body:    c.Get("body").String(),
	}
	if msg.Body == "" {
		return domain.AgentResult{}, domain.ValidationError("send proposal", "communication draft has no body")
	}
	routed := false
	if msg.To == "" {
		if s.opsInbox == "" {
			return domain.AgentResult{}, domain.ValidationError("send proposal", "no recipient and no operations inbox")
		}
		msg.To = s.opsInbox
		routed = true
	}

	id, err := s.mailer.Send(ctx, "proposal:"+string(in.WorkflowID), msg)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AgentResult{}, domain.TransientError("send proposal", err)
		}
		return domain.AgentResult{}, domain.ExternalServiceError("send proposal", err)
	}

	data, err := sjson.SetBytes([]byte(`{}`), "delivery", map[string]any{
		"message_id":    id,
		"to":            msg.To,
		"routed_to_ops": routed,
	})
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.Succeed(data), nil
}
