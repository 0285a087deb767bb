// Package transaction implements the pick/store state machine: it
// drives one unlock-and-count procedure against a station, classifies
// the live sensor progress the hardware streams back, persists every
// reading immediately, and resolves to a terminal result from the
// station's single acknowledgement.
//
// The wire contract carries absolute target counts, not deltas: the
// client converts the operator's "N more" / "N fewer" input into the
// count each container should reach, and this package only ever
// reasons about those absolute targets.
package transaction

import "errors"

// Mode selects the direction of a transaction.
type Mode int

const (
	// ModeStore places items into containers (put_in).
	ModeStore Mode = iota
	// ModePick removes items from containers (take_out).
	ModePick
)

func (m Mode) String() string {
	if m == ModePick {
		return "pick"
	}
	return "store"
}

// Command is the station-channel event starting the procedure.
func (m Mode) Command() string {
	if m == ModePick {
		return "take_out"
	}
	return "put_in"
}

// ProgressEvent is the station-channel event carrying sensor
// readings during the procedure.
func (m Mode) ProgressEvent() string {
	return m.Command() + "_progress"
}

// Result is the terminal outcome of one transaction run.
type Result int

const (
	// ResultSuccess: the station acknowledged the whole procedure.
	ResultSuccess Result = iota
	// ResultFailure: the station acknowledged with failure, or the
	// run was rejected before unlocking. Item counts persisted so far
	// stay persisted; the sensor readings remain the truth.
	ResultFailure
	// ResultAborted: the station connection dropped or stopped
	// responding mid-transaction.
	ResultAborted
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "aborted"
	}
}

// Progress frame kinds, on both the station and operator channels.
const (
	// KindUnlocked marks the physical lock opening. Informational
	// only; no target tracking state changes.
	KindUnlocked = "unlocked"
	// KindTick is an in-progress sensor reading for one container.
	KindTick = "tick"
	// KindDone marks the end of the whole procedure. Informational;
	// the authoritative completion is the command acknowledgement.
	KindDone = "done"
)

// Warning messages attached to anomalous ticks. The transaction never
// aborts on a warning.
const (
	WarningStoreInstead = "store items instead of removing them"
	WarningPickInstead  = "pick items instead of storing them"
)

// Frame is the raw progress event a station emits.
type Frame struct {
	Kind        string `cbor:"kind" json:"kind"`
	ContainerID int64  `cbor:"container_id,omitempty" json:"containerId,omitempty"`
	Count       int64  `cbor:"count,omitempty" json:"count,omitempty"`
}

// Progress is one classified progress event, forwarded to the
// originating operator connection and consumed by the presentation
// layer for visual and haptic feedback.
type Progress struct {
	Kind        string `cbor:"kind" json:"kind"`
	ContainerID int64  `cbor:"container_id,omitempty" json:"containerId,omitempty"`
	Count       int64  `cbor:"count,omitempty" json:"count,omitempty"`

	// CompletedContainerID names the previously active container when
	// this tick switched to a new one: the hardware finished that
	// container.
	CompletedContainerID int64 `cbor:"completed_container_id,omitempty" json:"completedContainerId,omitempty"`

	// WrongDirection marks a tick moving away from the target: an
	// item removed while storing, or added while picking.
	WrongDirection bool `cbor:"wrong_direction,omitempty" json:"wrongDirection,omitempty"`

	// Warning carries the per-item operator warning once the count
	// has also crossed to the wrong side of the target.
	Warning string `cbor:"warning,omitempty" json:"warning,omitempty"`
}

// Errors reported alongside ResultFailure / ResultAborted.
var (
	// ErrStationBusy: another transaction already holds this
	// station's lock.
	ErrStationBusy = errors.New("transaction: station busy")
	// ErrUnknownContainer: the target map names a container outside
	// the station.
	ErrUnknownContainer = errors.New("transaction: target names unknown container")
	// ErrConnectionLost: the station connection closed
	// mid-transaction.
	ErrConnectionLost = errors.New("transaction: station connection lost")
	// ErrAckTimeout: the station never delivered its terminal
	// acknowledgement within the configured bound.
	ErrAckTimeout = errors.New("transaction: station acknowledgement timed out")
)
