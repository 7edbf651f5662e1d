package features

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/warden/internal/alert"
)

func TestExtract_FlowObject(t *testing.T) {
	a := &alert.Alert{
		ID: "a-1",
		FullLog: map[string]any{
			"network_flow": map[string]any{
				"flow_duration":            1200.0,
				"total_fwd_packets":        10,
				"total_bwd_packets":        "4",
				"total_length_fwd_packets": json.Number("640"),
				"idle_min":                 3.5,
				"not_a_feature":            99.0,
			},
		},
	}

	v, ok := Extract(a)
	require.True(t, ok)
	require.Len(t, v.Values, Dim)
	assert.Equal(t, SourceFlow, v.Source)
	assert.Equal(t, 1200.0, v.Values[0])
	assert.Equal(t, 10.0, v.Values[1])
	assert.Equal(t, 4.0, v.Values[2])
	assert.Equal(t, 640.0, v.Values[3])
	assert.Equal(t, 0.0, v.Values[4], "missing names are zero")
	assert.Equal(t, 3.5, v.Values[Dim-1])
}

func TestExtract_FlowArray(t *testing.T) {
	t.Run("short is zero padded", func(t *testing.T) {
		a := &alert.Alert{ID: "a", FullLog: map[string]any{"network_flow": []any{1.0, 2.0, 3.0}}}
		v, ok := Extract(a)
		require.True(t, ok)
		require.Len(t, v.Values, Dim)
		assert.Equal(t, []float64{1, 2, 3, 0}, v.Values[:4])
	})

	t.Run("long is truncated", func(t *testing.T) {
		long := make([]any, Dim+10)
		for i := range long {
			long[i] = float64(i + 1)
		}
		a := &alert.Alert{ID: "a", FullLog: map[string]any{"network_flow": long}}
		v, ok := Extract(a)
		require.True(t, ok)
		require.Len(t, v.Values, Dim)
		assert.Equal(t, float64(Dim), v.Values[Dim-1])
	})

	t.Run("non-numeric values are zero", func(t *testing.T) {
		a := &alert.Alert{ID: "a", FullLog: map[string]any{"network_flow": []any{"abc", nil, map[string]any{}, true, math.NaN()}}}
		v, ok := Extract(a)
		require.True(t, ok)
		assert.Equal(t, []float64{0, 0, 0, 1, 0}, v.Values[:5])
	})

	t.Run("infinities are zero", func(t *testing.T) {
		a := &alert.Alert{ID: "a", FullLog: map[string]any{"network_flow": []float64{math.Inf(1), math.Inf(-1), 2}}}
		v, ok := Extract(a)
		require.True(t, ok)
		assert.Equal(t, []float64{0, 0, 2}, v.Values[:3])
	})
}

func TestExtract_EmptyFlowFallsBackToSynthetic(t *testing.T) {
	a := &alert.Alert{
		ID:        "a",
		RuleLevel: 6,
		FullLog:   map[string]any{"network_flow": map[string]any{}},
	}
	v, ok := Extract(a)
	require.True(t, ok)
	assert.Equal(t, SourceSynthetic, v.Source)
}

func TestExtract_Synthetic(t *testing.T) {
	a := &alert.Alert{
		ID:         "a-2",
		RuleLevel:  12,
		SourceIP:   "10.0.0.5",
		SourcePort: 51514,
		DestPort:   22,
		User:       "root",
	}

	v, ok := Extract(a)
	require.True(t, ok)
	require.Len(t, v.Values, Dim)
	assert.Equal(t, SourceSynthetic, v.Source)

	assert.Equal(t, 12.0, v.Values[slotLevel])
	assert.InDelta(t, 0.8, v.Values[slotLevelNorm], 1e-9)
	assert.Equal(t, 51514.0, v.Values[slotSrcPort])
	assert.Equal(t, 22.0, v.Values[slotDstPort])
	assert.Equal(t, 1.0, v.Values[slotHasSrcIP])
	assert.Equal(t, 0.0, v.Values[slotHasDstIP])
	assert.Equal(t, 1.0, v.Values[slotHasUser])
	assert.Equal(t, 0.0, v.Values[slotHasProcess])

	for i := slotHasProcess + 1; i < Dim; i++ {
		assert.Zerof(t, v.Values[i], "slot %d", i)
	}
}

func TestExtract_IndicatorFlags(t *testing.T) {
	tests := []struct {
		name string
		a    alert.Alert
		slot int
	}{
		{"source ip", alert.Alert{SourceIP: "1.2.3.4"}, slotHasSrcIP},
		{"dest ip", alert.Alert{DestIP: "1.2.3.4"}, slotHasDstIP},
		{"user", alert.Alert{User: "alice"}, slotHasUser},
		{"process", alert.Alert{Process: "sshd"}, slotHasProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Extract(&tt.a)
			require.True(t, ok)
			for s := slotHasSrcIP; s <= slotHasProcess; s++ {
				want := 0.0
				if s == tt.slot {
					want = 1.0
				}
				assert.Equalf(t, want, v.Values[s], "slot %d", s)
			}
		})
	}
}

func TestExtract_NoFeatures(t *testing.T) {
	_, ok := Extract(nil)
	assert.False(t, ok)

	_, ok = Extract(&alert.Alert{ID: "a", RuleDescription: "nothing to go on"})
	assert.False(t, ok)

	_, ok = Extract(&alert.Alert{ID: "a", FullLog: map[string]any{"network_flow": "garbage"}})
	assert.False(t, ok)
}

func TestExtract_Deterministic(t *testing.T) {
	a := &alert.Alert{
		ID:        "a",
		RuleLevel: 9,
		DestIP:    "192.168.1.1",
		FullLog: map[string]any{"network_flow": map[string]any{
			"flow_duration": 5.0, "syn_flag_count": 3.0, "ack_flag_count": 1.0,
		}},
	}

	first, ok := Extract(a)
	require.True(t, ok)
	for range 5 {
		again, ok := Extract(a)
		require.True(t, ok)
		assert.Equal(t, first, again)
	}
}

func TestFlowSchema_Unique(t *testing.T) {
	seen := make(map[string]bool, Dim)
	for _, name := range FlowSchema {
		require.NotEmpty(t, name)
		assert.Falsef(t, seen[name], "duplicate field %q", name)
		seen[name] = true
	}
	assert.Len(t, seen, Dim)
}
