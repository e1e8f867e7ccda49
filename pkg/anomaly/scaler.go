package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"apexsentinel/pkg/telemetry"
)

// ErrScaling indicates the fitted transform could not be applied.
var ErrScaling = errors.New("scaling failed")

// ScalerParams are the fitted min-max parameters of the offline calibration,
// one pair per schema channel.
type ScalerParams struct {
	Channels []telemetry.Channel `json:"channels"`
	Min      []float64           `json:"min"`
	Max      []float64           `json:"max"`
}

// Scaler is a fitted, invertible linear transform from raw physical units to
// model-input units. Fitting happens offline; this type only applies params.
type Scaler struct {
	schema telemetry.Schema
	min    []float64
	scale  []float64 // max-min per column; 0 means a constant channel
}

// NewScaler binds fitted params to a schema. Param channel order must match
// the schema exactly so matrix columns line up.
func NewScaler(params ScalerParams, schema telemetry.Schema) (*Scaler, error) {
	if len(params.Channels) != len(schema.Channels) ||
		len(params.Min) != len(schema.Channels) || len(params.Max) != len(schema.Channels) {
		return nil, fmt.Errorf("%w: params cover %d channels, schema has %d", ErrScaling, len(params.Channels), len(schema.Channels))
	}
	for i, c := range schema.Channels {
		if params.Channels[i] != c {
			return nil, fmt.Errorf("%w: params channel %q at column %d, schema expects %q", ErrScaling, params.Channels[i], i, c)
		}
		if params.Max[i] < params.Min[i] {
			return nil, fmt.Errorf("%w: channel %q has max < min", ErrScaling, c)
		}
	}
	s := &Scaler{schema: schema, min: params.Min, scale: make([]float64, len(params.Min))}
	for i := range params.Min {
		s.scale[i] = params.Max[i] - params.Min[i]
	}
	return s, nil
}

// IdentityScaler returns a pass-through transform for deployments whose
// telemetry is already in model space.
func IdentityScaler(schema telemetry.Schema) *Scaler {
	n := len(schema.Channels)
	s := &Scaler{schema: schema, min: make([]float64, n), scale: make([]float64, n)}
	for i := range s.scale {
		s.scale[i] = 1
	}
	return s
}

// LoadScaler reads fitted params from a JSON file.
func LoadScaler(path string, schema telemetry.Schema) (*Scaler, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read params: %v", ErrScaling, err)
	}
	var params ScalerParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: parse params: %v", ErrScaling, err)
	}
	return NewScaler(params, schema)
}

// ToModelSpace converts frames into a len(frames)x C matrix of scaled values
// in schema column order.
func (s *Scaler) ToModelSpace(frames []telemetry.Frame) ([][]float64, error) {
	out := make([][]float64, len(frames))
	for t, f := range frames {
		row, err := s.schema.Vector(f)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrScaling, t, err)
		}
		for i := range row {
			if s.scale[i] == 0 {
				row[i] = 0
			} else {
				row[i] = (row[i] - s.min[i]) / s.scale[i]
			}
		}
		out[t] = row
	}
	return out, nil
}

// FromModelSpace inverts the transform for one scaled row.
func (s *Scaler) FromModelSpace(row []float64) ([]float64, error) {
	if len(row) != len(s.scale) {
		return nil, fmt.Errorf("%w: row has %d columns, schema has %d", ErrScaling, len(row), len(s.scale))
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = v*s.scale[i] + s.min[i]
	}
	return out, nil
}
