package domain

import (
	"fmt"
	"math"
)

// DistributionKind identifies the value space a parameter is drawn from.
type DistributionKind string

// Supported distribution kinds.
const (
	// KindFloat is a bounded continuous range, optionally log-scaled or
	// discretized by a step.
	KindFloat DistributionKind = "float"
	// KindInt is a bounded integer range, optionally log-scaled.
	KindInt DistributionKind = "int"
	// KindCategorical is an ordered, finite choice set.
	KindCategorical DistributionKind = "categorical"
)

// Distribution describes the value space one trial parameter was sampled
// from. Low/High/Step/Log apply to numeric kinds; Choices applies to the
// categorical kind. Internally every sampled value travels as a float64
// ("internal representation"); ExternalRepr maps it back to the caller's
// value space.
type Distribution struct {
	Kind    DistributionKind `json:"kind"`
	Low     float64          `json:"low,omitempty"`
	High    float64          `json:"high,omitempty"`
	Step    float64          `json:"step,omitempty"`
	Log     bool             `json:"log,omitempty"`
	Choices []any            `json:"choices,omitempty"`
}

// FloatDistribution returns a bounded continuous distribution.
func FloatDistribution(low, high float64) Distribution {
	return Distribution{Kind: KindFloat, Low: low, High: high}
}

// IntDistribution returns a bounded integer distribution.
func IntDistribution(low, high int) Distribution {
	return Distribution{Kind: KindInt, Low: float64(low), High: float64(high)}
}

// CategoricalDistribution returns a distribution over an ordered choice set.
// Choices must be JSON-serializable; they are normalized like attr values.
func CategoricalDistribution(choices ...any) Distribution {
	return Distribution{Kind: KindCategorical, Choices: choices}
}

// ExternalRepr converts an internal float64 representation into the
// external parameter value: the choice at that index for categorical
// distributions, a rounded int for integer ones, the value itself for
// float ones.
func (d Distribution) ExternalRepr(internal float64) any {
	switch d.Kind {
	case KindCategorical:
		idx := int(internal)
		if idx < 0 || idx >= len(d.Choices) {
			return nil
		}
		return d.Choices[idx]
	case KindInt:
		return int(math.Round(internal))
	default:
		return internal
	}
}

// InternalRepr converts an external parameter value back into the internal
// float64 representation. It is the inverse of ExternalRepr for values that
// belong to the distribution.
func (d Distribution) InternalRepr(external any) (float64, error) {
	switch d.Kind {
	case KindCategorical:
		for i, c := range d.Choices {
			if attrValueEqual(c, external) {
				return float64(i), nil
			}
		}
		return 0, fmt.Errorf("value %v is not a choice of the categorical distribution", external)
	case KindInt:
		switch v := external.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		}
		return 0, fmt.Errorf("value %v is not an integer", external)
	default:
		v, ok := external.(float64)
		if !ok {
			return 0, fmt.Errorf("value %v is not a float", external)
		}
		return v, nil
	}
}

// CheckCompatibility verifies that two distributions bound to the same
// parameter name may coexist within one study. A name is bound to exactly
// one value space: the kind, the numeric bounds (Low/High/Step/Log) and
// the ordered choice set must all match the first registration.
func CheckCompatibility(existing, requested Distribution) error {
	if !existing.Equal(requested) {
		return &DistributionCompatibilityError{Existing: existing, Requested: requested}
	}
	return nil
}

// Equal reports whether two distributions are identical field for field.
func (d Distribution) Equal(other Distribution) bool {
	if d.Kind != other.Kind || d.Low != other.Low || d.High != other.High ||
		d.Step != other.Step || d.Log != other.Log {
		return false
	}
	return choicesEqual(d.Choices, other.Choices)
}

func (d Distribution) clone() Distribution {
	out := d
	if d.Choices != nil {
		out.Choices = make([]any, len(d.Choices))
		for i, c := range d.Choices {
			out.Choices[i] = cloneAttrValue(c)
		}
	}
	return out
}

func choicesEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !attrValueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// attrValueEqual compares JSON-shaped values structurally. Numeric values
// are compared as float64 since JSON decoding yields float64 for every
// number.
func attrValueEqual(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		return ok && choicesEqual(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, ok := bv[k]
			if !ok || !attrValueEqual(v, ov) {
				return false
			}
		}
		return true
	default:
		if af, aok := toFloat(a); aok {
			bf, bok := toFloat(b)
			return bok && af == bf
		}
		return a == b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
