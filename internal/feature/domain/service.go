package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidAsOf         = errors.New("invalid_as_of")
	ErrNoFeaturesRequested = errors.New("no_features_requested")
	ErrInsufficientHistory = errors.New("insufficient_history")
)

// ComputeRequest asks for one entity's feature vector at one as-of time.
type ComputeRequest struct {
	EntityID int64
	AsOf     time.Time

	// FeatureNames lists the registry features to compute. Order does not
	// matter; the result map is keyed by name.
	FeatureNames []string

	// SchemaVersion stamps the resulting vector.
	SchemaVersion int

	// LabelName, when set, requests the named label alongside the vector.
	// The label is omitted from the result (not an error) when the horizon
	// window extends past the data snapshot's newest observed event.
	LabelName string

	// LabelHorizonDays overrides the label spec's horizon when positive.
	LabelHorizonDays int
}

// ComputeResult carries the vector and, when requested and observable, the
// label. Label == nil with a nil error is the defined "label absent" outcome.
type ComputeResult struct {
	Vector FeatureVector
	Label  *Label
}

// Service is the point-in-time feature computer. Compute is a pure function
// of (entity, as-of time, the event set visible at call time): it performs no
// writes and never consults the wall clock.
type Service interface {
	Compute(ctx context.Context, req ComputeRequest) (*ComputeResult, error)
}
