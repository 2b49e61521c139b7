package agents

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// ClientDataAgent resolves the requester through the client directory.
type ClientDataAgent struct {
	domain.BaseAgent
	directory ClientDirectory
}

func NewClientDataAgent(directory ClientDirectory) *ClientDataAgent {
	return &ClientDataAgent{
		BaseAgent: domain.NewBaseAgent(domain.AgentClientData),
		directory: directory,
	}
}

func (a *ClientDataAgent) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	email := gjson.GetBytes(in.Context, "analysis.client_email").String()
	if email == "" {
		email = gjson.GetBytes(in.Context, "request.client.email").String()
	}
	if email == "" {
		return domain.AgentResult{}, domain.ValidationError("client data", "no client email to look up")
	}

	profile, err := a.directory.Lookup(ctx, email)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AgentResult{}, domain.TransientError("client lookup", err)
		}
		return domain.AgentResult{}, domain.ExternalServiceError("client lookup", err)
	}
	if profile.Name == "" {
		profile.Name = gjson.GetBytes(in.Context, "request.client.name").String()
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return domain.AgentResult{}, err
	}
	data, err := sjson.SetRawBytes([]byte(`{}`), "client", raw)
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.Succeed(data), nil
}
