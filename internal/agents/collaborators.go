package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientProfile is what the client directory knows about a requester.
type ClientProfile struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email"`
	Company           string `json:"company,omitempty"`
	Tier              string `json:"tier"`
	PreferredCurrency string `json:"preferred_currency,omitempty"`
	Known             bool   `json:"known"`
}

// ClientDirectory looks up clients. Returning an error marks the lookup
// as a failed external call.
type ClientDirectory interface {
	Lookup(ctx context.Context, email string) (*ClientProfile, error)
}

// StaticDirectory is an in-memory directory keyed by lower-cased email.
// Unknown emails resolve to a new-client profile.
type StaticDirectory struct {
	mu      sync.RWMutex
	clients map[string]ClientProfile
}

func NewStaticDirectory(clients []ClientProfile) *StaticDirectory {
	d := &StaticDirectory{clients: make(map[string]ClientProfile)}
	for _, c := range clients {
		d.Add(c)
	}
	return d
}

func (d *StaticDirectory) Add(c ClientProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.Known = true
	d.clients[strings.ToLower(c.Email)] = c
}

func (d *StaticDirectory) Lookup(ctx context.Context, email string) (*ClientProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.clients[strings.ToLower(email)]; ok {
		return &c, nil
	}
	return &ClientProfile{
		ID:    "new:" + strings.ToLower(email),
		Email: email,
		Tier:  "new",
	}, nil
}

// TripRequest is the marketplace sourcing request built from the analysis.
type TripRequest struct {
	ExternalTripID   string `json:"external_trip_id"`
	From             string `json:"from"`
	To               string `json:"to"`
	DepartureDate    string `json:"departure_date"`
	DepartureTime    string `json:"departure_time,omitempty"`
	Passengers       int    `json:"passengers"`
	AircraftCategory string `json:"aircraft_category,omitempty"`
}

// Trip is the marketplace's handle for a sourcing request. Operators quote
// against it; quotes come back through the webhook.
type Trip struct {
	ID             string    `json:"id"`
	ShortID        string    `json:"short_id"`
	ExternalTripID string    `json:"external_trip_id"`
	SearchLink     string    `json:"search_link,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Marketplace creates trips. CreateTrip must be idempotent on
// ExternalTripID.
type Marketplace interface {
	CreateTrip(ctx context.Context, req TripRequest) (*Trip, error)
}

// RefMarketplace hands out trip references without calling out.
type RefMarketplace struct {
	mu    sync.Mutex
	trips map[string]Trip
	calls int
}

func NewRefMarketplace() *RefMarketplace {
	return &RefMarketplace{trips: make(map[string]Trip)}
}

func (m *RefMarketplace) CreateTrip(ctx context.Context, req TripRequest) (*Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if t, ok := m.trips[req.ExternalTripID]; ok {
		return &t, nil
	}
	id := uuid.NewString()
	t := Trip{
		ID:             id,
		ShortID:        strings.ToUpper(id[:8]),
		ExternalTripID: req.ExternalTripID,
		SearchLink:     fmt.Sprintf("https://marketplace.invalid/trips/%s/search", id),
		CreatedAt:      time.Now().UTC(),
	}
	m.trips[req.ExternalTripID] = t
	return &t, nil
}

// Calls reports how many CreateTrip calls were made.
func (m *RefMarketplace) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Email is an outgoing proposal message.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Mailer sends email. Sends with the same idempotency key are delivered
// once and return the first message id.
type Mailer interface {
	Send(ctx context.Context, idempotencyKey string, msg Email) (messageID string, err error)
}

// LogMailer records messages in memory and logs them.
type LogMailer struct {
	mu   sync.Mutex
	sent map[string]string
	log  *zap.Logger
}

func NewLogMailer(log *zap.Logger) *LogMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogMailer{sent: make(map[string]string), log: log.With(zap.String("component", "mailer"))}
}

func (m *LogMailer) Send(ctx context.Context, key string, msg Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sent[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	m.sent[key] = id
	m.log.Info("proposal email sent",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return id, nil
}

// Sent reports how many distinct messages went out.
func (m *LogMailer) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
