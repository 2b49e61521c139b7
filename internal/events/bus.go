package events

import (
	"context"
	"time"
)

// Bus abstração de fila de eventos entre processos (API, workers, rfpctl).
type Bus interface {
	// Publicação
	Publish(ctx context.Context, subject string, payload []byte) error
	PublishEvent(ctx context.Context, subject string, event any) error

	// Subscrição push com consumer durável. Sem Ack a mensagem é reentregue.
	Subscribe(subject, durable string, handler Handler) (Subscription, error)

	// Streams
	CreateStream(cfg StreamConfig) error

	Close() error
}

// Handler processa mensagens
type Handler func(ctx context.Context, msg Message) error

type Message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak(delay ...time.Duration) error
	Metadata() (*MsgMetadata, error)
}

type MsgMetadata struct {
	Sequence   uint64
	Time       time.Time
	Stream     string
	Consumer   string
	Deliveries int
}

type Subscription interface {
	Unsubscribe() error
}

type StreamConfig struct {
	Name      string
	Subjects  []string
	Retention RetentionPolicy
	MaxMsgs   int64
	MaxBytes  int64
	MaxAge    time.Duration
	Storage   StorageType
	Replicas  int
}

type RetentionPolicy int

const (
	RetentionLimits RetentionPolicy = iota
	RetentionInterest
	RetentionWorkQueue
)

type StorageType int

const (
	StorageFile StorageType = iota
	StorageMemory
)
