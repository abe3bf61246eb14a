package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetaVersion is the current schema version of the meta JSONB blob.
const MetaVersion = 1

// Meta is the engine's per-opportunity bookkeeping, persisted as JSONB in
// opportunities.meta. It is versioned so the shape can evolve without a
// table migration; DecodeMeta upgrades older blobs.
type Meta struct {
	Version int `json:"v"`
	// LastTickID is the id (unix millis) of the last tick that wrote this
	// row. The scheduler's compare-and-swap update guards on it.
	LastTickID int64 `json:"lastTickId"`
	// SignalHighWater marks how far into signal_events this opportunity has
	// been drained. Events at or before the mark are never counted again.
	SignalHighWater time.Time `json:"signalHighWater"`
	// LastSignalAt is when the last qualifying signal was seen; the ambient
	// drift controller's idle clock.
	LastSignalAt time.Time    `json:"lastSignalAt"`
	LastScore    float64      `json:"lastScore"`
	LastCounts   SignalCounts `json:"lastCounts"`
	// Cumulative tallies, kept for the conversion-ratio denominator.
	TotalPitches  int64      `json:"totalPitches"`
	TotalClicks   int64      `json:"totalClicks"`
	DriftApplied  bool       `json:"driftApplied"`
	LastBreakdown *Breakdown `json:"lastBreakdown,omitempty"`
}

// ConversionRatio returns cumulative pitches per click, or a negative value
// when fewer than minClicks clicks have ever been seen.
func (m Meta) ConversionRatio(minClicks int64) float64 {
	if m.TotalClicks < minClicks {
		return -1
	}
	return float64(m.TotalPitches) / float64(m.TotalClicks)
}

// DecodeMeta parses a meta JSONB blob. Empty or null blobs yield a fresh
// v1 Meta; a version newer than this build understands is an error so the
// engine never round-trips state it cannot preserve.
func DecodeMeta(raw []byte) (Meta, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Meta{Version: MetaVersion}, nil
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("decode meta: %w", err)
	}
	if m.Version > MetaVersion {
		return Meta{}, fmt.Errorf("decode meta: unsupported version %d", m.Version)
	}
	// Version 0 blobs predate versioning; their fields are a subset of v1.
	m.Version = MetaVersion
	return m, nil
}

// Encode serializes the meta blob for persistence.
func (m Meta) Encode() ([]byte, error) {
	m.Version = MetaVersion
	return json.Marshal(m)
}

// Term is one weighted signal's contribution to the raw delta.
type Term struct {
	Variable     string  `json:"variable"`
	Raw          float64 `json:"raw"`
	Transformed  float64 `json:"transformed"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Breakdown records how one tick's price was computed. It is stored in the
// snapshot payload and in meta.lastBreakdown so every price can be explained
// after the fact.
type Breakdown struct {
	Terms            []Term  `json:"terms"`
	RawDelta         float64 `json:"rawDelta"`
	OutletLoadFactor float64 `json:"outletLoadFactor"`
	ConversionFactor float64 `json:"conversionFactor"`
	BaselineDecay    float64 `json:"baselineDecay"`
	YieldCapped      bool    `json:"yieldCapped"`
	BoundaryFactor   float64 `json:"boundaryFactor"`
	OldPrice         float64 `json:"oldPrice"`
	NewPrice         float64 `json:"newPrice"`
	Clamped          bool    `json:"clamped"`
	DriftApplied     bool    `json:"driftApplied"`
}
