package inproc

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
)

// Bus delivers messages synchronously to the handlers registered at
// publish time. A handler that panics is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	next   uint64
	byType map[domain.MessageType]map[uint64]ports.MessageHandler
	all    map[uint64]ports.MessageHandler
	log    *zap.Logger
}

var _ ports.MessageBus = (*Bus)(nil)

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		byType: make(map[domain.MessageType]map[uint64]ports.MessageHandler),
		all:    make(map[uint64]ports.MessageHandler),
		log:    log.With(zap.String("component", "bus")),
	}
}

type subscription struct {
	bus *Bus
	id  uint64
	typ domain.MessageType
	any bool
}

func (s *subscription) Unsubscribe() {
	s.bus.Unsubscribe(s)
}

func (b *Bus) Subscribe(t domain.MessageType, h ports.MessageHandler) ports.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	subs, ok := b.byType[t]
	if !ok {
		subs = make(map[uint64]ports.MessageHandler)
		b.byType[t] = subs
	}
	subs[b.next] = h
	return &subscription{bus: b, id: b.next, typ: t}
}

func (b *Bus) SubscribeAll(h ports.MessageHandler) ports.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.all[b.next] = h
	return &subscription{bus: b, id: b.next, any: true}
}

// Unsubscribe removes a handler. Unknown or repeated handles are ignored.
func (b *Bus) Unsubscribe(sub ports.Subscription) {
	s, ok := sub.(*subscription)
	if !ok || s.bus != b {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if s.any {
		delete(b.all, s.id)
		return
	}
	if subs, ok := b.byType[s.typ]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.byType, s.typ)
		}
	}
}

func (b *Bus) Publish(msg domain.Message) {
	handlers := b.snapshot(msg.Type)
	for _, h := range handlers {
		b.deliver(h, msg)
	}
}

// snapshot returns the handlers in subscription order.
func (b *Bus) snapshot(t domain.MessageType) []ports.MessageHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.byType[t])+len(b.all))
	merged := make(map[uint64]ports.MessageHandler, cap(ids))
	for id, h := range b.byType[t] {
		ids = append(ids, id)
		merged[id] = h
	}
	for id, h := range b.all {
		ids = append(ids, id)
		merged[id] = h
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]ports.MessageHandler, len(ids))
	for i, id := range ids {
		out[i] = merged[id]
	}
	return out
}

func (b *Bus) deliver(h ports.MessageHandler, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("message handler panicked",
				zap.String("type", string(msg.Type)),
				zap.String("workflow_id", string(msg.WorkflowID)),
				zap.Any("panic", r))
		}
	}()
	h(msg)
}
