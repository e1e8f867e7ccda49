// Package classify maps an anomaly's top error channels and raw sensor
// snapshot onto a named physical/system event.
package classify

import (
	"apexsentinel/pkg/anomaly"
	"apexsentinel/pkg/telemetry"
)

// EventType is the fixed enumeration of classifiable events.
type EventType string

const (
	SensorDropout     EventType = "SENSOR_DROPOUT"
	DriverLockUp      EventType = "DRIVER_LOCK_UP"
	TractionLoss      EventType = "TRACTION_LOSS"
	DrsActuationFault EventType = "DRS_ACTUATION_FAULT"
	AnomalousBehavior EventType = "ANOMALOUS_BEHAVIOR"
)

// Severity is the coarse urgency label attached to a classification.
type Severity string

const (
	SeverityCritical      Severity = "CRITICAL"
	SeverityPhysicalEvent Severity = "PHYSICAL_EVENT"
	SeverityWarning       Severity = "WARNING"
	SeverityUnclassified  Severity = "UNCLASSIFIED"
)

// Hard-braking activation threshold for the lock-up rule, and the minimum
// speed at which a zero sensor reading counts as a dropout.
const (
	hardBrakingThreshold = 50.0
	dropoutSpeedFloor    = 100.0
)

// Classification is the outcome of one rule. Channel is set only for sensor
// dropouts, naming the sensor that went silent.
type Classification struct {
	Type     EventType         `json:"event_type"`
	Channel  telemetry.Channel `json:"channel,omitempty"`
	Severity Severity          `json:"severity"`
}

type input struct {
	top      map[telemetry.Channel]bool
	snapshot telemetry.Frame
}

// A rule pairs a predicate with its outcome. Rules are evaluated in slice
// order and the first match wins; the order is part of the classification
// contract because overlapping conditions resolve by priority.
type rule struct {
	name  string
	match func(in input) (Classification, bool)
}

var rules = []rule{
	{
		// A fast-moving vehicle whose RPM reads zero, or whose throttle
		// reads zero while throttle tops the error ranking, has lost a
		// sensor, not physics.
		name: "sensor dropout",
		match: func(in input) (Classification, bool) {
			if in.snapshot[telemetry.ChannelSpeed] <= dropoutSpeedFloor {
				return Classification{}, false
			}
			if in.snapshot[telemetry.ChannelRPM] == 0 {
				return Classification{Type: SensorDropout, Channel: telemetry.ChannelRPM, Severity: SeverityCritical}, true
			}
			if in.top[telemetry.ChannelThrottle] && in.snapshot[telemetry.ChannelThrottle] == 0 {
				return Classification{Type: SensorDropout, Channel: telemetry.ChannelThrottle, Severity: SeverityCritical}, true
			}
			return Classification{}, false
		},
	},
	{
		name: "lock-up",
		match: func(in input) (Classification, bool) {
			if in.top[telemetry.ChannelBrake] && in.top[telemetry.ChannelSpeed] &&
				in.snapshot[telemetry.ChannelBrake] > hardBrakingThreshold {
				return Classification{Type: DriverLockUp, Severity: SeverityPhysicalEvent}, true
			}
			return Classification{}, false
		},
	},
	{
		name: "traction loss",
		match: func(in input) (Classification, bool) {
			if in.top[telemetry.ChannelRPM] && in.top[telemetry.ChannelThrottle] {
				return Classification{Type: TractionLoss, Severity: SeverityPhysicalEvent}, true
			}
			return Classification{}, false
		},
	},
	{
		name: "drs fault",
		match: func(in input) (Classification, bool) {
			if in.top[telemetry.ChannelDRS] {
				return Classification{Type: DrsActuationFault, Severity: SeverityWarning}, true
			}
			return Classification{}, false
		},
	},
}

// Classify is a total function: it always returns exactly one classification.
// Channel membership in the top list is name equality only; error magnitude
// never reorders the rules.
func Classify(top []anomaly.ChannelError, snapshot telemetry.Frame) Classification {
	in := input{top: make(map[telemetry.Channel]bool, len(top)), snapshot: snapshot}
	for _, ce := range top {
		in.top[ce.Channel] = true
	}
	for _, r := range rules {
		if c, ok := r.match(in); ok {
			return c
		}
	}
	return Classification{Type: AnomalousBehavior, Severity: SeverityUnclassified}
}

// Event is the immutable payload committed to the ledger for one confirmed
// anomalous window.
type Event struct {
	EndIndex      int                    `json:"end_index"`
	SequenceError float64                `json:"sequence_error"`
	Threshold     float64                `json:"threshold"`
	TopChannels   []anomaly.ChannelError `json:"top_channels"`
	RawSnapshot   telemetry.Frame        `json:"raw_snapshot"`
	Type          EventType              `json:"event_type"`
	Channel       telemetry.Channel      `json:"channel,omitempty"`
	Severity      Severity               `json:"severity"`
}

// NewEvent builds the ledger payload for an anomalous window. The snapshot is
// the raw frame at the window's end index.
func NewEvent(endIndex int, report anomaly.ErrorReport, snapshot telemetry.Frame, c Classification) Event {
	return Event{
		EndIndex:      endIndex,
		SequenceError: report.SequenceError,
		Threshold:     report.Threshold,
		TopChannels:   report.TopChannels,
		RawSnapshot:   snapshot,
		Type:          c.Type,
		Channel:       c.Channel,
		Severity:      c.Severity,
	}
}
