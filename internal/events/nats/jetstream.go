package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/events"
)

const (
	CommandStream = "RFP_COMMANDS"
	MessageStream = "RFP_MESSAGES"
)

type NATSBus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *zap.Logger
}

// Verifica interface
var _ events.Bus = (*NATSBus)(nil)

type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func New(cfg Config, log *zap.Logger) (*NATSBus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "skyrfp"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	log = log.With(zap.String("component", "nats"))

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Name(cfg.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connection failed: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream init failed: %w", err)
	}

	return &NATSBus{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

// CreateStream cria stream se não existir
func (n *NATSBus) CreateStream(cfg events.StreamConfig) error {
	storage := nats.FileStorage
	if cfg.Storage == events.StorageMemory {
		storage = nats.MemoryStorage
	}

	retention := nats.LimitsPolicy
	switch cfg.Retention {
	case events.RetentionInterest:
		retention = nats.InterestPolicy
	case events.RetentionWorkQueue:
		retention = nats.WorkQueuePolicy
	}

	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: retention,
		MaxMsgs:   cfg.MaxMsgs,
		MaxBytes:  cfg.MaxBytes,
		MaxAge:    cfg.MaxAge,
		Storage:   storage,
		Replicas:  cfg.Replicas,
	})

	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil // Já existe, ok
	}

	return err
}

// SetupStreams creates the command work queue and the coordination
// message stream. Prefixes are subject roots such as "rfp.command".
func (n *NATSBus) SetupStreams(commandPrefix, messagePrefix string) error {
	// Comandos: cada comando é aplicado por um único worker
	if err := n.CreateStream(events.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{commandPrefix + ".>"},
		Retention: events.RetentionWorkQueue,
		MaxMsgs:   100000,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   events.StorageFile,
	}); err != nil {
		return fmt.Errorf("commands stream: %w", err)
	}

	// Mensagens de coordenação: histórico para UI e auditoria
	if err := n.CreateStream(events.StreamConfig{
		Name:      MessageStream,
		Subjects:  []string{messagePrefix + ".>"},
		Retention: events.RetentionLimits,
		MaxMsgs:   1000000,
		MaxAge:    24 * time.Hour,
		Storage:   events.StorageMemory,
	}); err != nil {
		return fmt.Errorf("messages stream: %w", err)
	}

	return nil
}

// Publish envia mensagem bruta e espera o ack do stream
func (n *NATSBus) Publish(ctx context.Context, subject string, payload []byte) error {
	_, err := n.js.Publish(subject, payload, nats.Context(ctx))
	return err
}

// PublishEvent serializa e envia
func (n *NATSBus) PublishEvent(ctx context.Context, subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.Publish(ctx, subject, data)
}

// Subscribe registra handler push. An empty durable name is derived from
// the subject.
func (n *NATSBus) Subscribe(subject, durable string, handler events.Handler) (events.Subscription, error) {
	if durable == "" {
		durable = durableFromSubject(subject)
	}
	callback := func(msg *nats.Msg) {
		wrapped := &natsMessage{msg: msg}
		if err := handler(context.Background(), wrapped); err != nil {
			// Handler errou, não deu ack = redelivery automático
			n.log.Debug("handler failed, message will be redelivered",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
		}
	}

	sub, err := n.js.Subscribe(subject, callback, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err == nil {
		return &natsSubscription{sub: sub}, nil
	}

	if !strings.Contains(err.Error(), "filtered consumer not unique on workqueue stream") {
		return nil, err
	}

	// Work queue streams allow one consumer per filter; bind to it.
	stream, streamErr := n.js.StreamNameBySubject(subject)
	if streamErr != nil {
		return nil, err
	}

	for name := range n.js.ConsumerNames(stream) {
		info, infoErr := n.js.ConsumerInfo(stream, name)
		if infoErr != nil {
			continue
		}
		if info.Config.FilterSubject != subject {
			continue
		}

		bound, bindErr := n.js.Subscribe(subject, callback, nats.Bind(stream, name), nats.ManualAck())
		if bindErr != nil {
			return nil, bindErr
		}
		return &natsSubscription{sub: bound}, nil
	}

	return nil, err
}

func durableFromSubject(subject string) string {
	var b strings.Builder
	b.Grow(len(subject))
	for _, r := range subject {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Close drena as subscrições e encerra a conexão
func (n *NATSBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// --- Implementações internas ---

type natsMessage struct {
	msg *nats.Msg
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data
}

func (m *natsMessage) Subject() string {
	return m.msg.Subject
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *natsMessage) Nak(delay ...time.Duration) error {
	if len(delay) > 0 {
		return m.msg.NakWithDelay(delay[0])
	}
	return m.msg.Nak()
}

func (m *natsMessage) Metadata() (*events.MsgMetadata, error) {
	meta, err := m.msg.Metadata()
	if err != nil {
		return nil, err
	}

	return &events.MsgMetadata{
		Sequence:   meta.Sequence.Stream,
		Time:       meta.Timestamp,
		Stream:     meta.Stream,
		Consumer:   meta.Consumer,
		Deliveries: int(meta.NumDelivered),
	}, nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
