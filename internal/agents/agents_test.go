package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/diogoX451/skyrfp/internal/core/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func input(wf domain.WorkflowID, doc string) domain.Input {
	return domain.Input{WorkflowID: wf, Context: domain.Data(doc)}
}

func TestTransform(t *testing.T) {
	out, err := Transform(domain.Data(`{"from":"gru","departure_airport":"SDU","pax":3}`), []TransformRule{
		{From: "departure_airport", To: "route.from"},
		{From: "from", To: "route.from"},
		{From: "pax", To: "passengers"},
		{From: "missing", To: "ignored"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"route":{"from":"SDU"},"passengers":3}`, string(out))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	RegisterBuiltins(r, Deps{})

	_, err := r.Get(domain.AgentQuoteGate)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent, "agents are not usable before Initialize")

	require.NoError(t, r.Initialize(ctx))
	assert.Len(t, r.Types(), 7)

	for _, typ := range r.Types() {
		a, err := r.Get(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, a.Type())
	}

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)

	require.NoError(t, r.Shutdown(ctx))
	_, err = r.Get(domain.AgentQuoteGate)
	assert.ErrorIs(t, err, domain.ErrUnknownAgent)
}

func TestRegistryRejectsMismatchedType(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(domain.AgentClientData, func() (domain.Agent, error) {
		return NewQuoteGate(), nil
	})
	assert.Error(t, r.Initialize(context.Background()))
}

func TestRequestAnalyzer(t *testing.T) {
	ctx := context.Background()
	a := NewRequestAnalyzer()
	a.now = func() time.Time { return fixedNow }

	t.Run("identified client", func(t *testing.T) {
		res, err := a.Execute(ctx, input("wf", `{"request":{
			"departure_airport":"sbgr","arrival_airport":"SBRJ",
			"departure_date":"2026-04-10","passengers":4,
			"client":{"email":"ana@example.com"}}}`))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Empty(t, res.NextAgent)

		an := gjson.GetBytes(res.Data, "analysis")
		assert.Equal(t, "SBGR", an.Get("route.from").String())
		assert.Equal(t, "SBRJ", an.Get("route.to").String())
		assert.Equal(t, "ana@example.com", an.Get("client_email").String())
		assert.True(t, an.Get("has_client").Bool())
		assert.False(t, an.Get("past_departure").Bool())
		assert.False(t, an.Get("round_trip").Bool())
	})

	t.Run("anonymous request skips client lookup", func(t *testing.T) {
		res, err := a.Execute(ctx, input("wf", `{"request":{
			"from":"SBGR","to":"SBKP","date":"2026-02-01","pax":2,"return_date":"2026-02-03"}}`))
		require.NoError(t, err)
		assert.Equal(t, domain.AgentFlightSearch, res.NextAgent)
		assert.True(t, gjson.GetBytes(res.Data, "analysis.past_departure").Bool())
		assert.True(t, gjson.GetBytes(res.Data, "analysis.round_trip").Bool())
	})

	invalid := map[string]string{
		"no request":     `{}`,
		"missing fields": `{"request":{"from":"SBGR"}}`,
		"same airports":  `{"request":{"from":"SBGR","to":"sbgr","date":"2026-04-10","pax":1}}`,
		"bad date":       `{"request":{"from":"SBGR","to":"SBRJ","date":"10/04/2026","pax":1}}`,
		"zero pax":       `{"request":{"from":"SBGR","to":"SBRJ","date":"2026-04-10","pax":0}}`,
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := a.Execute(ctx, input("wf", doc))
			require.Error(t, err)
			assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		})
	}
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (*ClientProfile, error) {
	return nil, errors.New("directory unavailable")
}

func TestClientDataAgent(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory([]ClientProfile{{ID: "c-1", Name: "Ana", Email: "Ana@Example.com", Tier: "gold"}})

	res, err := NewClientDataAgent(dir).Execute(ctx, input("wf", `{"analysis":{"client_email":"ana@example.com"}}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", gjson.GetBytes(res.Data, "client.id").String())
	assert.True(t, gjson.GetBytes(res.Data, "client.known").Bool())

	res, err = NewClientDataAgent(dir).Execute(ctx, input("wf", `{"request":{"client":{"email":"bob@example.com","name":"Bob"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "new", gjson.GetBytes(res.Data, "client.tier").String())
	assert.Equal(t, "Bob", gjson.GetBytes(res.Data, "client.name").String())

	_, err = NewClientDataAgent(dir).Execute(ctx, input("wf", `{}`))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = NewClientDataAgent(failingDirectory{}).Execute(ctx, input("wf", `{"analysis":{"client_email":"x@y.z"}}`))
	assert.Equal(t, domain.KindExternalService, domain.KindOf(err))
}

func TestFlightSearchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewRefMarketplace()
	a := NewFlightSearchAgent(m)
	doc := `{"analysis":{"route":{"from":"SBGR","to":"SBRJ"},"departure_date":"2026-04-10","passengers":4}}`

	first, err := a.Execute(ctx, input("wf-7", doc))
	require.NoError(t, err)
	trip := gjson.GetBytes(first.Data, "trip")
	assert.Equal(t, "wf-7", trip.Get("external_trip_id").String())
	assert.NotEmpty(t, trip.Get("id").String())

	// A retry before the merge reaches the marketplace but gets the same trip.
	again, err := a.Execute(ctx, input("wf-7", doc))
	require.NoError(t, err)
	assert.Equal(t, trip.Get("id").String(), gjson.GetBytes(again.Data, "trip.id").String())

	// Once the trip is in the context the marketplace is not called.
	merged := `{"trip":` + trip.Raw + `}`
	res, err := a.Execute(ctx, input("wf-7", merged))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Data)
	assert.Equal(t, 2, m.Calls())
}

func TestQuoteGate(t *testing.T) {
	ctx := context.Background()
	g := NewQuoteGate()

	res, err := g.Execute(ctx, domain.Input{Context: domain.Data(`{}`)})
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(res.Data, "quotes").Exists(), "the gate never rewrites the quote list")
	assert.JSONEq(t, `{"quotes":[]}`, string(res.Defaults))
	assert.False(t, gjson.GetBytes(res.Data, "quotes_sufficient").Bool())
	assert.Equal(t, "timeout", gjson.GetBytes(res.Data, "quote_gate.reason").String())

	res, err = g.Execute(ctx, domain.Input{
		Context: domain.Data(`{"quotes":[{"id":"q1"},{"id":"q2"}]}`),
		Payload: domain.Data(`{"reason":"policy:min_count"}`),
	})
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(res.Data, "quotes_sufficient").Bool())
	assert.EqualValues(t, 2, gjson.GetBytes(res.Data, "quote_gate.count").Int())
}

func TestProposalAnalyzerRanksByPrice(t *testing.T) {
	a := NewProposalAnalyzer()
	a.now = func() time.Time { return fixedNow }

	res, err := a.Execute(context.Background(), input("wf", `{"quotes":[
		{"id":"q1","price":42000,"currency":"USD"},
		{"id":"q2","price":31000,"currency":"USD","source_operator":"Aero"},
		{"id":"q3","price":10000,"currency":"USD","valid_until":"2026-02-01T00:00:00Z"}]}`))
	require.NoError(t, err)

	p := gjson.GetBytes(res.Data, "proposals")
	assert.EqualValues(t, 2, p.Get("count").Int())
	assert.EqualValues(t, 1, p.Get("expired").Int())
	assert.Equal(t, "q2", p.Get("ranked.0.quote_id").String())
	assert.EqualValues(t, 1, p.Get("ranked.0.rank").Int())
	assert.Equal(t, "q1", p.Get("ranked.1.quote_id").String())

	res, err = a.Execute(context.Background(), input("wf", `{"quotes":[]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, gjson.GetBytes(res.Data, "proposals.ranked").Raw)
}

func TestCommunicationAndSender(t *testing.T) {
	ctx := context.Background()
	doc := `{"client":{"email":"ana@example.com","name":"Ana"},
		"analysis":{"route":{"from":"SBGR","to":"SBRJ"},"departure_date":"2026-04-10"},
		"proposals":{"ranked":[{"rank":1,"price":31000,"currency":"USD","source_operator":"Aero"}]}}`

	draft, err := NewCommunicationAgent().Execute(ctx, input("wf-9", doc))
	require.NoError(t, err)
	c := gjson.GetBytes(draft.Data, "communication")
	assert.Equal(t, "ana@example.com", c.Get("to").String())
	assert.Contains(t, c.Get("body").String(), "USD 31000.00 (Aero)")

	mailer := NewLogMailer(nil)
	s := NewProposalSender(mailer, DefaultOpsInbox)
	withDraft := `{"communication":` + c.Raw + `}`

	first, err := s.Execute(ctx, input("wf-9", withDraft))
	require.NoError(t, err)
	id := gjson.GetBytes(first.Data, "delivery.message_id").String()
	require.NotEmpty(t, id)

	again, err := s.Execute(ctx, input("wf-9", withDraft))
	require.NoError(t, err)
	assert.Equal(t, id, gjson.GetBytes(again.Data, "delivery.message_id").String())
	assert.Equal(t, 1, mailer.Sent())

	done, err := s.Execute(ctx, input("wf-9", `{"delivery":{"message_id":"`+id+`"}}`))
	require.NoError(t, err)
	assert.Empty(t, done.Data)
}

func TestSenderRoutesAnonymousDraftsToOps(t *testing.T) {
	ctx := context.Background()
	draft, err := NewCommunicationAgent().Execute(ctx, input("wf", `{"analysis":{"route":{"from":"A","to":"B"}}}`))
	require.NoError(t, err)
	assert.Empty(t, gjson.GetBytes(draft.Data, "communication.to").String())
	assert.Contains(t, gjson.GetBytes(draft.Data, "communication.body").String(), "not yet received")

	res, err := NewProposalSender(NewLogMailer(nil), "desk@example.com").
		Execute(ctx, input("wf", `{"communication":`+gjson.GetBytes(draft.Data, "communication").Raw+`}`))
	require.NoError(t, err)
	assert.Equal(t, "desk@example.com", gjson.GetBytes(res.Data, "delivery.to").String())
	assert.True(t, gjson.GetBytes(res.Data, "delivery.routed_to_ops").Bool())

	_, err = NewProposalSender(NewLogMailer(nil), "").Execute(ctx, input("wf", `{"communication":{"body":"hi"}}`))
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
