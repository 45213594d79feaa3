package order

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/ptoivanen/ranksync/internal/position"
)

// Validator compares client-predicted positions against the server's
// authoritative results, classifies any divergence, and records it in the
// conflict ledger. It exists to make divergence observable; it never blocks
// a mutation and never corrects a value.
type Validator struct {
	store  Store
	logger *slog.Logger

	// Tolerance for position comparison. Zero means exact equality, the
	// default: both sides run the identical deterministic calculator, so
	// on identical inputs the outputs are bit-identical.
	Tolerance float64
}

// NewValidator creates a Validator with exact-equality tolerance.
func NewValidator(store Store, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{store: store, logger: logger}
}

// Validate classifies the predicted/authoritative pair and journals any
// divergence. matchesClaim reports whether the server resolved the same
// neighbors the client computed against: a divergence despite matching
// neighbors is a logic bug, a divergence with different neighbors is the
// expected footprint of concurrent writers.
func (v *Validator) Validate(
	ctx context.Context,
	intent *MutationIntent,
	authoritative position.Value,
	matchesClaim bool,
) (Divergence, error) {
	delta := math.Abs(float64(authoritative - intent.Predicted))
	if delta <= v.Tolerance {
		return DivergenceNone, nil
	}

	div := DivergenceConflict
	if matchesClaim {
		div = DivergenceLogic
	}

	record := &ConflictRecord{
		ID:            uuid.NewString(),
		IntentID:      intent.ID,
		ItemID:        intent.ItemID,
		Scope:         intent.Scope,
		Predicted:     intent.Predicted,
		Authoritative: authoritative,
		Divergence:    div,
		Actor:         intent.Actor,
		DetectedAt:    NowNano(),
	}

	if err := v.store.RecordConflict(ctx, record); err != nil {
		return div, fmt.Errorf("record conflict for intent %s: %w", intent.ID, err)
	}

	if div == DivergenceLogic {
		// Same inputs, different outputs: the client and server calculators
		// disagree.
		v.logger.Error("client/server position divergence with matching neighbors",
			slog.String("intent_id", intent.ID),
			slog.String("scope", intent.Scope.String()),
			slog.Float64("predicted", float64(intent.Predicted)),
			slog.Float64("authoritative", float64(authoritative)),
		)
	} else {
		v.logger.Info("position reconciled against moved neighbors",
			slog.String("intent_id", intent.ID),
			slog.String("scope", intent.Scope.String()),
			slog.Float64("predicted", float64(intent.Predicted)),
			slog.Float64("authoritative", float64(authoritative)),
		)
	}

	return div, nil
}
