package agents

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// FlightSearchAgent opens a sourcing trip on the marketplace. A trip
// already recorded in the context is reused, so a retry never opens a
// second one.
type FlightSearchAgent struct {
	domain.BaseAgent
	marketplace Marketplace
}

func NewFlightSearchAgent(marketplace Marketplace) *FlightSearchAgent {
	return &FlightSearchAgent{
		BaseAgent:   domain.NewBaseAgent(domain.AgentFlightSearch),
		marketplace: marketplace,
	}
}

func (a *FlightSearchAgent) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	if gjson.GetBytes(in.Context, "trip.id").String() != "" {
		return domain.Succeed(nil), nil
	}

	analysis := gjson.GetBytes(in.Context, "analysis")
	if !analysis.IsObject() {
		return domain.AgentResult{}, domain.ValidationError("flight search", "analysis is missing")
	}
	req := TripRequest{
		ExternalTripID:   string(in.WorkflowID),
		From:             analysis.Get("route.from").String(),
		To:               analysis.Get("route.to").String(),
		DepartureDate:    analysis.Get("departure_date").String(),
		DepartureTime:    analysis.Get("departure_time").String(),
		Passengers:       int(analysis.Get("passengers").Int()),
		AircraftCategory: analysis.Get("aircraft_category").String(),
	}

	trip, err := a.marketplace.CreateTrip(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return domain.AgentResult{}, domain.TransientError("create trip", err)
		}
		return domain.AgentResult{}, domain.ExternalServiceError("create trip", err)
	}

	raw, err := json.Marshal(trip)
	if err != nil {
		return domain.AgentResult{}, err
	}
	data, err := sjson.SetRawBytes([]byte(`{}`), "trip", raw)
	if err != nil {
		return domain.AgentResult{}, err
	}
	return domain.Succeed(data), nil
}
