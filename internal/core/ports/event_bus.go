package ports

import (
	"context"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/pkg/types"
)

// MessageHandler receives coordination messages.
type MessageHandler func(msg domain.Message)

// Subscription identifies a registered handler.
type Subscription interface {
	Unsubscribe()
}

// MessageBus is the in-process publish/subscribe channel. Delivery is
// synchronous and best effort; it is never the durability mechanism.
type MessageBus interface {
	Publish(msg domain.Message)
	Subscribe(t domain.MessageType, h MessageHandler) Subscription
	SubscribeAll(h MessageHandler) Subscription
}

// CommandSink accepts inbound commands (RFP submission, quote signals,
// operator actions), either applying them or shipping them to a worker.
type CommandSink interface {
	Dispatch(ctx context.Context, cmd types.Command) error
}

// CommandHandler is fed by a command transport.
type CommandHandler func(ctx context.Context, cmd types.Command) error
