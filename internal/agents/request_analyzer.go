package agents

import (
	"context"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

// requestRules normalise the accepted spellings of an RFP request.
var requestRules = []TransformRule{
	{From: "departure_airport", To: "route.from"},
	{From: "from", To: "route.from"},
	{From: "arrival_airport", To: "route.to"},
	{From: "to", To: "route.to"},
	{From: "departure_date", To: "departure_date"},
	{From: "date", To: "departure_date"},
	{From: "departure_time", To: "departure_time"},
	{From: "return_date", To: "return_date"},
	{From: "passengers", To: "passengers"},
	{From: "pax", To: "passengers"},
	{From: "aircraft_category", To: "aircraft_category"},
	{From: "client.email", To: "client_email"},
	{From: "client_email", To: "client_email"},
	{From: "client.id", To: "client_id"},
	{From: "notes", To: "notes"},
}

// RequestAnalyzer validates the submitted request and writes the
// normalised `analysis`. Without a client identity it hints the branch
// that skips the client lookup.
type RequestAnalyzer struct {
	domain.BaseAgent
	now func() time.Time
}

func NewRequestAnalyzer() *RequestAnalyzer {
	return &RequestAnalyzer{
		BaseAgent: domain.NewBaseAgent(domain.AgentRequestAnalyzer),
		now:       time.Now,
	}
}

func (a *RequestAnalyzer) Execute(ctx context.Context, in domain.Input) (domain.AgentResult, error) {
	req := gjson.GetBytes(in.Context, "request")
	if !req.IsObject() {
		return domain.AgentResult{}, domain.ValidationError("analyze request", "request is missing")
	}

	analysis, err := Transform(domain.Data(req.Raw), requestRules)
	if err != nil {
		return domain.AgentResult{}, domain.ValidationError("analyze request", "%v", err)
	}

	var missing []string
	for _, path := range []string{"route.from", "route.to", "departure_date", "passengers"} {
		if v := gjson.GetBytes(analysis, path); !v.Exists() || v.String() == "" {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return domain.AgentResult{}, domain.ValidationError("analyze request", "missing fields: %s", strings.Join(missing, ", "))
	}

	from := strings.ToUpper(gjson.GetBytes(analysis, "route.from").String())
	to := strings.ToUpper(gjson.GetBytes(analysis, "route.to").String())
	if from == to {
		return domain.AgentResult{}, domain.ValidationError("analyze request", "departure and arrival are both %s", from)
	}
	date, err := time.Parse("2006-01-02", gjson.GetBytes(analysis, "departure_date").String())
	if err != nil {
		return domain.AgentResult{}, domain.ValidationError("analyze request", "departure_date must be YYYY-MM-DD")
	}
	pax := gjson.GetBytes(analysis, "passengers").Int()
	if pax <= 0 {
		return domain.AgentResult{}, domain.ValidationError("analyze request", "passengers must be positive")
	}

	identified := gjson.GetBytes(analysis, "client_email").String() != "" ||
		gjson.GetBytes(analysis, "client_id").String() != ""

	out := []byte(analysis)
	for path, value := range map[string]any{
		"route.from":     from,
		"route.to":       to,
		"passengers":     pax,
		"has_client":     identified,
		"past_departure": date.Before(a.now().UTC().Truncate(24 * time.Hour)),
		"round_trip":     gjson.GetBytes(analysis, "return_date").Exists(),
	} {
		if out, err = sjson.SetBytes(out, path, value); err != nil {
			return domain.AgentResult{}, err
		}
	}

	data, err := sjson.SetRawBytes([]byte(`{}`), "analysis", out)
	if err != nil {
		return domain.AgentResult{}, err
	}
	result := domain.Succeed(data)
	if !identified {
		result.NextAgent = domain.AgentFlightSearch
	}
	return result, nil
}
