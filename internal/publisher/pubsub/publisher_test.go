package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type notification struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (n notification) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "status": n.Status}
}

func TestNewMessageCarriesAttributes(t *testing.T) {
	t.Parallel()

	msg, err := newMessage(context.Background(), notification{RunID: "r1", Status: "success"})
	require.NoError(t, err)
	require.JSONEq(t, `{"run_id":"r1","status":"success"}`, string(msg.Data))
	require.Equal(t, "r1", msg.Attributes["run_id"])
	require.Equal(t, "success", msg.Attributes["status"])
}

func TestNewMessageRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := newMessage(context.Background(), map[string]any{"ch": make(chan int)})
	require.ErrorContains(t, err, "marshal payload")
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	prop := propagation.TraceContext{}
	carrier.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	ctx := prop.Extract(context.Background(), carrier)
	require.ElementsMatch(t, []string{"traceparent"}, carrier.Keys())

	out := &pubsubCarrier{attrs: map[string]string{}}
	prop.Inject(ctx, out)
	require.Equal(t, carrier.Get("traceparent"), out.Get("traceparent"))
	require.NotNil(t, otel.GetTextMapPropagator())
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "runs", notification{})
	require.Error(t, err)
	_, err = New(nil).Publish(context.Background(), "runs", notification{})
	require.Error(t, err)
	p.Close()
}
