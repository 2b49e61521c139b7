package api

import (
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/pkg/types"
)

const sellerResponseEvent = "TripRequestSellerResponse"

// Handler: POST /api/v1/webhooks/marketplace
// The marketplace calls back when an operator answers a trip request. The
// workflow is the trip's external reference, or ?workflow_id= when the
// marketplace does not echo it.
func (s *Server) handleMarketplaceWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !gjson.ValidBytes(body) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "body is not valid JSON")
		return
	}

	event := gjson.ParseBytes(body)
	eventType := event.Get("eventType").String()
	data := event.Get("data")

	if eventType != sellerResponseEvent || data.Get("test").Bool() {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":     "ignored",
			"event_type": eventType,
		})
		return
	}

	workflowID := data.Get("externalReference").String()
	if workflowID == "" {
		workflowID = r.URL.Query().Get("workflow_id")
	}
	if workflowID == "" {
		respondError(w, http.StatusBadRequest, "MISSING_WORKFLOW", "no externalReference or workflow_id")
		return
	}

	quote := &types.QuoteSignal{
		ID:             data.Get("quoteId").String(),
		Price:          data.Get("price.amount").Float(),
		Currency:       data.Get("price.currency").String(),
		SourceOperator: data.Get("sellerCompany.displayName").String(),
	}
	if quote.SourceOperator == "" {
		quote.SourceOperator = data.Get("sellerCompany.name").String()
	}
	if v := data.Get("validUntil"); v.Exists() {
		quote.ValidUntil = v.Time()
	}
	if quote.ID == "" || quote.Currency == "" || !data.Get("price.amount").Exists() {
		respondError(w, http.StatusBadRequest, "INVALID_QUOTE", "quoteId, price.amount and price.currency are required")
		return
	}

	s.log.Info("marketplace quote received",
		zap.String("workflow_id", workflowID),
		zap.String("trip_id", data.Get("tripId").String()),
		zap.String("quote_id", quote.ID),
	)
	s.dispatch(w, r, types.Command{
		Kind:       types.CommandQuote,
		WorkflowID: workflowID,
		Quote:      quote,
	})
}
