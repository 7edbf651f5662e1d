// Package features turns an alert into the fixed-length numeric vector the
// intrusion classifier consumes.
package features

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Dim is the length of every feature vector.
const Dim = 77

// Source records how a vector was derived.
type Source string

const (
	// SourceFlow means the vector was projected from observed flow statistics.
	SourceFlow Source = "flow"

	// SourceSynthetic means the vector was built from alert metadata alone.
	SourceSynthetic Source = "synthetic"
)

// Vector is a flattened flow-statistics record. Values always has Dim entries.
type Vector struct {
	Values []float64
	Source Source
}

// Synthetic slot layout.
const (
	slotLevel = iota
	slotLevelNorm
	slotSrcPort
	slotDstPort
	slotHasSrcIP
	slotHasDstIP
	slotHasUser
	slotHasProcess
)

// Extract derives a feature vector from the alert. ok is false when the alert
// carries neither flow data nor any usable metadata, which callers treat as
// "classifier not applicable".
func Extract(a *alert.Alert) (Vector, bool) {
	if a == nil {
		return Vector{}, false
	}

	if flow, ok := a.NetworkFlow(); ok {
		if values, ok := projectFlow(flow); ok {
			return Vector{Values: values, Source: SourceFlow}, true
		}
	}

	hasSrc := a.SourceIP != ""
	hasDst := a.DestIP != ""
	hasUser := a.User != ""
	hasProc := a.Process != ""
	// level 0 is the manager's "ignored" level and carries no signal
	hasLevel := a.RuleLevel > 0

	if !hasSrc && !hasDst && !hasUser && !hasProc && !hasLevel {
		return Vector{}, false
	}

	v := make([]float64, Dim)
	if hasLevel {
		v[slotLevel] = float64(a.RuleLevel)
		v[slotLevelNorm] = float64(a.RuleLevel) / float64(alert.MaxLevel)
	}
	if a.SourcePort > 0 {
		v[slotSrcPort] = float64(a.SourcePort)
	}
	if a.DestPort > 0 {
		v[slotDstPort] = float64(a.DestPort)
	}
	v[slotHasSrcIP] = flag(hasSrc)
	v[slotHasDstIP] = flag(hasDst)
	v[slotHasUser] = flag(hasUser)
	v[slotHasProcess] = flag(hasProc)

	return Vector{Values: v, Source: SourceSynthetic}, true
}

// projectFlow maps a network_flow payload onto the schema. Objects are read
// by field name in schema order, arrays positionally.
func projectFlow(flow any) ([]float64, bool) {
	switch f := flow.(type) {
	case map[string]any:
		if len(f) == 0 {
			return nil, false
		}
		v := make([]float64, Dim)
		for i, name := range FlowSchema {
			v[i] = finite(toFloat(f[name]))
		}
		return v, true
	case []any:
		if len(f) == 0 {
			return nil, false
		}
		v := make([]float64, Dim)
		for i := 0; i < Dim && i < len(f); i++ {
			v[i] = finite(toFloat(f[i]))
		}
		return v, true
	case []float64:
		if len(f) == 0 {
			return nil, false
		}
		v := make([]float64, Dim)
		for i := 0; i < Dim && i < len(f); i++ {
			v[i] = finite(f[i])
		}
		return v, true
	default:
		return nil, false
	}
}

func toFloat(x any) float64 {
	switch n := x.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		return flag(n)
	default:
		return 0
	}
}

// finite maps NaN and infinities to zero, flow exporters emit them for
// zero-duration flows and they cannot be encoded as JSON.
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
