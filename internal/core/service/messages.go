package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

func newMessage(t domain.MessageType, wf domain.WorkflowID, source, target domain.AgentType, payload any, now time.Time) domain.Message {
	msg := domain.Message{
		ID:          uuid.NewString(),
		Type:        t,
		WorkflowID:  wf,
		SourceAgent: source,
		TargetAgent: target,
		Timestamp:   now,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			msg.Payload = data
		}
	}
	return msg
}
