// Package position implements fractional positioning arithmetic: real-numbered
// ranks that allow inserting between existing items without renumbering, a
// deterministic calculator shared by client and server, and the precision
// test that triggers rebalancing when repeated midpoint insertion exhausts
// double-precision headroom.
package position

import (
	"errors"
	"fmt"
	"math"
)

// Value is an item's rank within a scope. Values are strictly ordered
// relative to siblings; items in different scopes never compare values.
type Value float64

// Default policy constants. Tunable via Calculator fields, but the defaults
// leave roughly 50 halving insertions into a seed-width gap before the
// precision test fires.
const (
	// DefaultSeed is the position assigned to the first item in an empty scope.
	DefaultSeed Value = 1000
	// DefaultGap is the spacing added for end-of-scope inserts and used by
	// the rebalancer when re-spacing a scope.
	DefaultGap Value = 1000
	// DefaultEpsilon is the adjacent-gap threshold below which a scope is
	// considered precision-exhausted. 1e-10 leaves ample margin above the
	// ~1e-13 absolute spacing of float64 near 1000.
	DefaultEpsilon = 1e-10
)

// ErrPrecisionExhausted indicates the gap at the requested insertion point is
// too small to split. The caller must rebalance the scope and retry rather
// than persist a colliding value.
var ErrPrecisionExhausted = errors.New("position: gap exhausted, scope needs rebalancing")

// InvalidOrderingError reports neighbors that violate total order
// (prev >= next). It signals corruption upstream and is never silently
// corrected: persisting a midpoint of inverted neighbors would scramble
// the scope for every client.
type InvalidOrderingError struct {
	Prev Value
	Next Value
}

func (e *InvalidOrderingError) Error() string {
	return fmt.Sprintf("position: neighbors out of order (prev %v >= next %v)", e.Prev, e.Next)
}

// Calculator computes insertion positions from neighbor values. It is a pure
// value type: both the client's optimistic path and the server's
// authoritative path construct identical calculators so their outputs match
// bit for bit on identical inputs.
type Calculator struct {
	Seed    Value
	Gap     Value
	Epsilon float64
}

// NewCalculator returns a Calculator with the default seed, gap, and epsilon.
func NewCalculator() Calculator {
	return Calculator{Seed: DefaultSeed, Gap: DefaultGap, Epsilon: DefaultEpsilon}
}

// Compute returns the position for an item inserted between prev and next.
// A nil neighbor means the scope boundary on that side:
//
//   - both nil: empty scope, returns the seed
//   - prev nil: insert at start, returns next/2
//   - next nil: insert at end, returns prev+gap
//   - both set: returns the arithmetic midpoint
//
// Returns *InvalidOrderingError when prev >= next, and ErrPrecisionExhausted
// when the computed value would not land strictly inside the gap.
func (c Calculator) Compute(prev, next *Value) (Value, error) {
	switch {
	case prev == nil && next == nil:
		return c.Seed, nil

	case prev == nil:
		v := *next / 2
		if v <= 0 || v >= *next {
			return 0, ErrPrecisionExhausted
		}

		return v, nil

	case next == nil:
		v := *prev + c.Gap
		if math.IsInf(float64(v), 0) || v <= *prev {
			return 0, ErrPrecisionExhausted
		}

		return v, nil

	default:
		if *prev >= *next {
			return 0, &InvalidOrderingError{Prev: *prev, Next: *next}
		}

		v := (*prev + *next) / 2
		if v <= *prev || v >= *next {
			return 0, ErrPrecisionExhausted
		}

		return v, nil
	}
}

// NeedsRebalancing reports whether any adjacent gap in the ordered position
// sequence has shrunk below epsilon. The scan is O(n); callers decide the
// invocation policy (lazily before persisting, or on a periodic audit);
// running it on every mutation in a high-churn scope is unnecessary.
func (c Calculator) NeedsRebalancing(ordered []Value) bool {
	return MinGap(ordered) < c.Epsilon
}

// MinGap returns the smallest adjacent gap in the ordered sequence, or +Inf
// for sequences shorter than two. A non-increasing pair yields a zero or
// negative gap, which any positive epsilon treats as exhausted.
func MinGap(ordered []Value) float64 {
	minGap := math.Inf(1)

	for i := 1; i < len(ordered); i++ {
		if g := float64(ordered[i] - ordered[i-1]); g < minGap {
			minGap = g
		}
	}

	return minGap
}

// Ptr returns a pointer to v. Convenience for the nullable-neighbor
// Compute signature.
func Ptr(v Value) *Value {
	return &v
}
