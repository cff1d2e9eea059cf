package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testContext(buf *bytes.Buffer) context.Context {
	base := zerolog.New(buf)
	return base.WithContext(context.Background())
}

func TestWithCorrelationTagsEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithCorrelation(testContext(&buf), "exec_arb_btc_a1b2c3d4")

	Ctx(ctx).Info().Str("node_id", "provider_1").Msg("node dispatched")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "exec_arb_btc_a1b2c3d4", rec[CorrelationField])
	require.Equal(t, "provider_1", rec["node_id"])
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "exec_w_deadbeef")
	require.Equal(t, "exec_w_deadbeef", CorrelationID(ctx))
	require.Empty(t, CorrelationID(context.Background()))
}

func TestConcurrentContextsDoNotShareIDs(t *testing.T) {
	var bufA, bufB bytes.Buffer
	ctxA := WithCorrelation(testContext(&bufA), "exec_a_00000001")
	ctxB := WithCorrelation(testContext(&bufB), "exec_b_00000002")

	done := make(chan struct{})
	go func() {
		Ctx(ctxB).Info().Msg("from b")
		close(done)
	}()
	Ctx(ctxA).Info().Msg("from a")
	<-done

	require.Contains(t, bufA.String(), "exec_a_00000001")
	require.NotContains(t, bufA.String(), "exec_b_00000002")
	require.Contains(t, bufB.String(), "exec_b_00000002")
	require.NotContains(t, bufB.String(), "exec_a_00000001")
}

func TestCtxFallsBackToGlobal(t *testing.T) {
	l := Ctx(context.Background())
	require.NotEqual(t, zerolog.Disabled, l.GetLevel())
}
