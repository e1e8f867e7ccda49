// Package telemetry defines the frame and window model for multi-channel
// sensor streams.
package telemetry

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBadSeries marks structurally invalid input: a missing channel or
// per-channel series of unequal length.
var ErrBadSeries = errors.New("invalid series")

// Channel names a single telemetry signal.
type Channel string

// Canonical channel set for the default deployment.
const (
	ChannelSpeed    Channel = "Speed"
	ChannelRPM      Channel = "RPM"
	ChannelThrottle Channel = "Throttle"
	ChannelBrake    Channel = "Brake"
	ChannelGear     Channel = "nGear"
	ChannelDRS      Channel = "DRS"
)

// Frame is one time step: channel name to raw physical value.
// Frames are never mutated after construction.
type Frame map[Channel]float64

// Schema fixes the channel set for a deployment. Channel order defines the
// column order of every matrix derived from frames.
type Schema struct {
	Channels []Channel
}

// DefaultSchema returns the canonical six-channel deployment schema.
func DefaultSchema() Schema {
	return Schema{Channels: []Channel{
		ChannelSpeed, ChannelRPM, ChannelThrottle, ChannelBrake, ChannelGear, ChannelDRS,
	}}
}

// NewSchema builds a schema from channel names, rejecting duplicates.
func NewSchema(names []string) (Schema, error) {
	if len(names) == 0 {
		return Schema{}, fmt.Errorf("schema requires at least one channel")
	}
	seen := make(map[string]bool, len(names))
	chans := make([]Channel, 0, len(names))
	for _, n := range names {
		if n == "" {
			return Schema{}, fmt.Errorf("empty channel name")
		}
		if seen[n] {
			return Schema{}, fmt.Errorf("duplicate channel %q", n)
		}
		seen[n] = true
		chans = append(chans, Channel(n))
	}
	return Schema{Channels: chans}, nil
}

// Vector projects a frame onto the schema's column order.
func (s Schema) Vector(f Frame) ([]float64, error) {
	v := make([]float64, len(s.Channels))
	for i, c := range s.Channels {
		val, ok := f[c]
		if !ok {
			return nil, fmt.Errorf("frame missing channel %q", c)
		}
		v[i] = val
	}
	return v, nil
}

// FramesFromSeries converts per-channel series into an ordered frame
// sequence. All schema channels must be present with equal lengths.
func FramesFromSeries(series map[Channel][]float64, s Schema) ([]Frame, error) {
	n := -1
	for _, c := range s.Channels {
		vals, ok := series[c]
		if !ok {
			return nil, fmt.Errorf("%w: missing channel %q", ErrBadSeries, c)
		}
		if n == -1 {
			n = len(vals)
		} else if len(vals) != n {
			return nil, fmt.Errorf("%w: channel %q has %d samples, expected %d", ErrBadSeries, c, len(vals), n)
		}
	}
	frames := make([]Frame, n)
	for i := 0; i < n; i++ {
		f := make(Frame, len(s.Channels))
		for _, c := range s.Channels {
			f[c] = series[c][i]
		}
		frames[i] = f
	}
	return frames, nil
}

// SortedChannels returns the schema channels in lexical order. Used wherever
// a canonical iteration order is required.
func (s Schema) SortedChannels() []Channel {
	out := make([]Channel, len(s.Channels))
	copy(out, s.Channels)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
