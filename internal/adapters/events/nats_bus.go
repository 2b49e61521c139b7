package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/events"
	"github.com/diogoX451/skyrfp/pkg/types"
)

const publishTimeout = 5 * time.Second

// Forwarder mirrors in-process coordination messages onto
// <prefix>.<type>. Messages are queued and published by a single goroutine,
// so a slow or broken transport never blocks bus delivery; when the queue is
// full the message is dropped and logged.
type Forwarder struct {
	bus    events.Bus
	prefix string
	log    *zap.Logger

	mu     sync.RWMutex
	sub    ports.Subscription
	queue  chan domain.Message
	closed bool
	wg     sync.WaitGroup
}

const forwardBuffer = 1024

func NewForwarder(bus events.Bus, prefix string, log *zap.Logger) *Forwarder {
	return &Forwarder{
		bus:    bus,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    log.With(zap.String("component", "forwarder")),
	}
}

// Attach subscribes the forwarder to every message type of local.
func (f *Forwarder) Attach(local ports.MessageBus) {
	f.mu.Lock()
	f.queue = make(chan domain.Message, forwardBuffer)
	f.closed = false
	f.wg.Add(1)
	go f.run(f.queue)
	f.mu.Unlock()

	f.sub = local.SubscribeAll(f.enqueue)
}

// Detach unsubscribes and waits until every queued message was published.
func (f *Forwarder) Detach() {
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
	f.mu.Lock()
	if f.queue != nil && !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Forwarder) enqueue(msg domain.Message) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed || f.queue == nil {
		return
	}
	select {
	case f.queue <- msg:
	default:
		f.log.Warn("forward queue full, message dropped",
			zap.String("type", string(msg.Type)),
			zap.String("workflow_id", string(msg.WorkflowID)),
		)
	}
}

func (f *Forwarder) run(queue <-chan domain.Message) {
	defer f.wg.Done()
	for msg := range queue {
		f.forward(msg)
	}
}

func (f *Forwarder) forward(msg domain.Message) {
	event := types.MessageEvent{
		ID:          msg.ID,
		Type:        string(msg.Type),
		WorkflowID:  string(msg.WorkflowID),
		SourceAgent: string(msg.SourceAgent),
		TargetAgent: string(msg.TargetAgent),
		Timestamp:   msg.Timestamp,
		Payload:     json.RawMessage(msg.Payload),
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := f.bus.PublishEvent(ctx, f.prefix+"."+string(msg.Type), event); err != nil {
		f.log.Warn("forward message failed",
			zap.String("type", string(msg.Type)),
			zap.String("workflow_id", string(msg.WorkflowID)),
			zap.Error(err),
		)
	}
}

// CommandPublisher ships commands to the workers over <prefix>.<kind>.
type CommandPublisher struct {
	bus    events.Bus
	prefix string
	now    func() time.Time
}

var _ ports.CommandSink = (*CommandPublisher)(nil)

func NewCommandPublisher(bus events.Bus, prefix string) *CommandPublisher {
	return &CommandPublisher{
		bus:    bus,
		prefix: strings.TrimSuffix(prefix, "."),
		now:    time.Now,
	}
}

func (p *CommandPublisher) Dispatch(ctx context.Context, cmd types.Command) error {
	if cmd.Kind == "" {
		return domain.ValidationError("publish command", "command kind is required")
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = p.now().UTC()
	}
	if err := p.bus.PublishEvent(ctx, p.prefix+"."+string(cmd.Kind), cmd); err != nil {
		return fmt.Errorf("publish %s command: %w", cmd.Kind, err)
	}
	return nil
}

// SubscribeCommands feeds commands from <prefix>.> into handler. Commands
// that can never succeed are acked and logged; other failures are nacked
// for redelivery.
func SubscribeCommands(bus events.Bus, prefix, durable string, handler ports.CommandHandler, log *zap.Logger) (events.Subscription, error) {
	prefix = strings.TrimSuffix(prefix, ".")
	log = log.With(zap.String("component", "commands"))

	return bus.Subscribe(prefix+".>", durable, func(ctx context.Context, msg events.Message) error {
		var cmd types.Command
		if err := json.Unmarshal(msg.Data(), &cmd); err != nil {
			log.Error("malformed command dropped", zap.String("subject", msg.Subject()), zap.Error(err))
			return msg.Ack()
		}
		if cmd.Kind == "" {
			cmd.Kind = types.CommandKind(strings.TrimPrefix(msg.Subject(), prefix+"."))
		}

		err := handler(ctx, cmd)
		switch {
		case err == nil:
			return msg.Ack()
		case Permanent(err):
			log.Warn("command rejected",
				zap.String("kind", string(cmd.Kind)),
				zap.String("workflow_id", cmd.WorkflowID),
				zap.Error(err),
			)
			return msg.Ack()
		default:
			_ = msg.Nak(time.Second)
			return err
		}
	})
}

// Permanent reports whether retrying the command cannot change the result.
func Permanent(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindStateConflict:
		return true
	}
	return errors.Is(err, domain.ErrWorkflowNotFound) ||
		errors.Is(err, domain.ErrNotAwaitingQuotes) ||
		errors.Is(err, domain.ErrWorkflowExists)
}
