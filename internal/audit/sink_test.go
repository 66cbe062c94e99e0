package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/settlement/internal/domain"
)

func TestSinksFanOut(t *testing.T) {
	var got []Entry
	collect := SinkFunc(func(_ context.Context, e Entry) { got = append(got, e) })

	entry := Entry{Sequence: 7, ActivityID: "a-1", ToState: domain.StateValidated, Kind: KindTransition, Timestamp: time.Now()}
	Sinks{collect, nil, collect}.Observe(context.Background(), entry)

	require.Len(t, got, 2)
	require.Equal(t, int64(7), got[1].Sequence)
}

func TestLogSinkWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	sink.Observe(context.Background(), Entry{
		Sequence:   3,
		ActivityID: "a-2",
		FromState:  domain.StateSubmitted,
		ToState:    domain.StateSubmitted,
		Kind:       KindTransientLedgerError,
		Detail:     "attempt 1: rpc timeout",
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, "audit", line["component"])
	require.Equal(t, "a-2", line["activity_id"])
	require.Equal(t, "transient_ledger_error", line["kind"])
}

func TestMetricsSinkCounts(t *testing.T) {
	counter := entriesCounter.WithLabelValues(string(KindOperatorRetry), string(domain.StateSubmitted))
	before := testutil.ToFloat64(counter)

	MetricsSink{}.Observe(context.Background(), Entry{Kind: KindOperatorRetry, ToState: domain.StateSubmitted})

	require.Equal(t, before+1, testutil.ToFloat64(counter))
}
