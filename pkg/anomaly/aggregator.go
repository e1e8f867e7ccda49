// Package anomaly scores reconstructed telemetry windows: the gap between a
// window and the model's reconstruction of it is the anomaly signal.
package anomaly

import (
	"fmt"
	"math"
	"sort"

	"apexsentinel/pkg/telemetry"
)

// DefaultTopK is how many top error channels a report retains.
const DefaultTopK = 3

// ChannelError is one (channel, mean absolute deviation) pair.
type ChannelError struct {
	Channel telemetry.Channel `json:"channel"`
	Error   float64           `json:"error"`
}

// ErrorReport attributes a window's reconstruction error per channel.
type ErrorReport struct {
	SequenceError float64                       `json:"sequence_error"`
	ChannelErrors map[telemetry.Channel]float64 `json:"channel_errors"`
	TopChannels   []ChannelError                `json:"top_channels"`
	Threshold     float64                       `json:"threshold"`
	IsAnomaly     bool                          `json:"is_anomaly"`
}

// Aggregate combines a raw window and its reconstruction (both T x C in
// schema column order) into an ErrorReport.
//
// ChannelErrors[c] is the mean over time steps of |raw[t][c]-recon[t][c]|,
// SequenceError the mean of the channel errors, which equals the mean
// absolute error over the full T x C grid. Ranking is by error descending
// with lexical channel-name tie-breaks so output is deterministic.
func Aggregate(raw, recon [][]float64, schema telemetry.Schema, threshold float64, topK int) (ErrorReport, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	cols := len(schema.Channels)
	if len(raw) == 0 {
		return ErrorReport{}, fmt.Errorf("empty window")
	}
	if len(raw) != len(recon) {
		return ErrorReport{}, fmt.Errorf("shape mismatch: raw has %d steps, reconstruction has %d", len(raw), len(recon))
	}
	sums := make([]float64, cols)
	for t := range raw {
		if len(raw[t]) != cols || len(recon[t]) != cols {
			return ErrorReport{}, fmt.Errorf("shape mismatch at step %d: raw=%d recon=%d schema=%d", t, len(raw[t]), len(recon[t]), cols)
		}
		for c := 0; c < cols; c++ {
			sums[c] += math.Abs(raw[t][c] - recon[t][c])
		}
	}

	steps := float64(len(raw))
	channelErrors := make(map[telemetry.Channel]float64, cols)
	ranked := make([]ChannelError, cols)
	var total float64
	for c, ch := range schema.Channels {
		e := sums[c] / steps
		channelErrors[ch] = e
		ranked[c] = ChannelError{Channel: ch, Error: e}
		total += e
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Error != ranked[j].Error {
			return ranked[i].Error > ranked[j].Error
		}
		return ranked[i].Channel < ranked[j].Channel
	})
	if topK > len(ranked) {
		topK = len(ranked)
	}

	seqErr := total / float64(cols)
	return ErrorReport{
		SequenceError: seqErr,
		ChannelErrors: channelErrors,
		TopChannels:   ranked[:topK],
		Threshold:     threshold,
		IsAnomaly:     seqErr > threshold,
	}, nil
}
