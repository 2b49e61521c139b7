package inproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New(zap.NewNop())

	var got []string
	b.Subscribe(domain.MessageAgentHandoff, func(domain.Message) { got = append(got, "handoff-1") })
	b.SubscribeAll(func(m domain.Message) { got = append(got, "all:"+string(m.Type)) })
	b.Subscribe(domain.MessageAgentHandoff, func(domain.Message) { got = append(got, "handoff-2") })
	b.Subscribe(domain.MessageError, func(domain.Message) { got = append(got, "error") })

	b.Publish(domain.Message{Type: domain.MessageAgentHandoff, WorkflowID: "wf-1"})
	assert.Equal(t, []string{"handoff-1", "all:agent_handoff", "handoff-2"}, got)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)

	calls := 0
	sub := b.Subscribe(domain.MessageError, func(domain.Message) { calls++ })
	all := b.SubscribeAll(func(domain.Message) { calls++ })

	b.Publish(domain.Message{Type: domain.MessageError})
	assert.Equal(t, 2, calls)

	sub.Unsubscribe()
	b.Unsubscribe(all)
	b.Unsubscribe(all)
	b.Publish(domain.Message{Type: domain.MessageError})
	assert.Equal(t, 2, calls)
	assert.Empty(t, b.byType)
	assert.Empty(t, b.all)
}

func TestPanickingHandlerIsSkipped(t *testing.T) {
	b := New(zap.NewNop())

	delivered := false
	b.Subscribe(domain.MessageError, func(domain.Message) { panic("boom") })
	b.Subscribe(domain.MessageError, func(domain.Message) { delivered = true })

	assert.NotPanics(t, func() { b.Publish(domain.Message{Type: domain.MessageError}) })
	assert.True(t, delivered)
}
