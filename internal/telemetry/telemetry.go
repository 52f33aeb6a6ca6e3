// Package telemetry encodes and decodes the simulator's event frames.
//
// A frame is the two-character event marker "42" followed by a JSON array of
// an event name and a record, for example
//
//	42["telemetry",{"x":1.5,"y":2,...}]
//
// Frames without the marker are transport chatter and are ignored. Frames
// with the marker but no usable payload mean the vehicle is being driven by
// hand.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Marker prefixes every event frame.
const Marker = "42"

// Event names used on the wire.
const (
	EventNameTelemetry = "telemetry"
	EventNameSteer     = "steer"
	EventNameManual    = "manual"
)

var (
	// ErrMalformedTelemetry reports a telemetry event whose record is missing
	// fields or carries inconsistent waypoint lists.
	ErrMalformedTelemetry = errors.New("telemetry: malformed telemetry record")

	// ErrUnexpectedEvent reports a frame that decoded to a different event
	// than the caller asked for.
	ErrUnexpectedEvent = errors.New("telemetry: unexpected event")
)

// Kind classifies an inbound frame.
type Kind int

const (
	// KindIgnored frames carry no event marker and get no reply.
	KindIgnored Kind = iota
	// KindManual frames get the fixed manual acknowledgement.
	KindManual
	// KindTelemetry frames carry a vehicle telemetry record.
	KindTelemetry
)

func (k Kind) String() string {
	switch k {
	case KindIgnored:
		return "ignored"
	case KindManual:
		return "manual"
	case KindTelemetry:
		return "telemetry"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Telemetry is one inbound vehicle record in wire units: speed in miles per
// hour and steering in the simulator's normalised convention.
type Telemetry struct {
	PtsX          []float64 `json:"ptsx"`
	PtsY          []float64 `json:"ptsy"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Psi           float64   `json:"psi"`
	Speed         float64   `json:"speed"`
	SteeringAngle float64   `json:"steering_angle"`
	Throttle      float64   `json:"throttle"`
}

// wireTelemetry detects missing fields.
type wireTelemetry struct {
	PtsX          []float64 `json:"ptsx"`
	PtsY          []float64 `json:"ptsy"`
	X             *float64  `json:"x"`
	Y             *float64  `json:"y"`
	Psi           *float64  `json:"psi"`
	Speed         *float64  `json:"speed"`
	SteeringAngle *float64  `json:"steering_angle"`
	Throttle      *float64  `json:"throttle"`
}

// Event is a parsed inbound frame. Telemetry is set only for KindTelemetry.
type Event struct {
	Kind      Kind
	Name      string
	Telemetry *Telemetry
}

// Reply is the outbound steer record. SteeringAngle is normalised to [-1, 1]
// in the simulator's sign convention.
type Reply struct {
	SteeringAngle float64   `json:"steering_angle"`
	Throttle      float64   `json:"throttle"`
	MPCX          []float64 `json:"mpc_x"`
	MPCY          []float64 `json:"mpc_y"`
	NextX         []float64 `json:"next_x"`
	NextY         []float64 `json:"next_y"`
}

// payload returns the JSON array carried by a frame, or "" when there is
// none. The array runs from the first '[' to the last "}]".
func payload(frame string) string {
	if strings.Contains(frame, "null") {
		return ""
	}
	b1 := strings.Index(frame, "[")
	b2 := strings.LastIndex(frame, "}]")
	if b1 < 0 || b2 < b1 {
		return ""
	}
	return frame[b1 : b2+2]
}

// ParseFrame classifies and decodes one inbound frame. The only error is
// ErrMalformedTelemetry for a telemetry event with an unusable record;
// anything else that cannot be decoded is treated as manual driving.
func ParseFrame(frame string) (Event, error) {
	if len(frame) <= len(Marker) || !strings.HasPrefix(frame, Marker) {
		return Event{Kind: KindIgnored}, nil
	}
	data := payload(frame)
	if data == "" {
		return Event{Kind: KindManual}, nil
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(data), &parts); err != nil || len(parts) != 2 {
		return Event{Kind: KindManual}, nil
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return Event{Kind: KindManual}, nil
	}
	if name != EventNameTelemetry {
		return Event{Kind: KindManual, Name: name}, nil
	}

	tel, err := decodeTelemetry(parts[1])
	if err != nil {
		return Event{Kind: KindTelemetry, Name: name}, err
	}
	return Event{Kind: KindTelemetry, Name: name, Telemetry: tel}, nil
}

func decodeTelemetry(raw json.RawMessage) (*Telemetry, error) {
	var w wireTelemetry
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}

	var missing []string
	for _, f := range []struct {
		name string
		ok   bool
	}{
		{"ptsx", w.PtsX != nil},
		{"ptsy", w.PtsY != nil},
		{"x", w.X != nil},
		{"y", w.Y != nil},
		{"psi", w.Psi != nil},
		{"speed", w.Speed != nil},
		{"steering_angle", w.SteeringAngle != nil},
		{"throttle", w.Throttle != nil},
	} {
		if !f.ok {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedTelemetry, strings.Join(missing, ", "))
	}
	if len(w.PtsX) != len(w.PtsY) {
		return nil, fmt.Errorf("%w: ptsx has %d values, ptsy has %d", ErrMalformedTelemetry, len(w.PtsX), len(w.PtsY))
	}

	t := &Telemetry{
		PtsX:          w.PtsX,
		PtsY:          w.PtsY,
		X:             *w.X,
		Y:             *w.Y,
		Psi:           *w.Psi,
		Speed:         *w.Speed,
		SteeringAngle: *w.SteeringAngle,
		Throttle:      *w.Throttle,
	}
	if !finite(t.X, t.Y, t.Psi, t.Speed, t.SteeringAngle, t.Throttle) || !finite(t.PtsX...) || !finite(t.PtsY...) {
		return nil, fmt.Errorf("%w: non-finite value", ErrMalformedTelemetry)
	}
	return t, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func encode(event string, record interface{}) (string, error) {
	body, err := json.Marshal([]interface{}{event, record})
	if err != nil {
		return "", fmt.Errorf("encode %s frame: %w", event, err)
	}
	return Marker + string(body), nil
}

func orEmpty(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

// EncodeSteer builds the steer reply frame. Nil slices are sent as empty
// arrays.
func EncodeSteer(r Reply) (string, error) {
	r.MPCX, r.MPCY = orEmpty(r.MPCX), orEmpty(r.MPCY)
	r.NextX, r.NextY = orEmpty(r.NextX), orEmpty(r.NextY)
	return encode(EventNameSteer, r)
}

// EncodeManual returns the fixed acknowledgement for manual driving.
func EncodeManual() string {
	return Marker + `["` + EventNameManual + `",{}]`
}

// EncodeTelemetry builds an inbound telemetry frame, as the simulator sends
// it.
func EncodeTelemetry(t Telemetry) (string, error) {
	t.PtsX, t.PtsY = orEmpty(t.PtsX), orEmpty(t.PtsY)
	return encode(EventNameTelemetry, t)
}

// DecodeReply parses a steer frame. Any other event fails with
// ErrUnexpectedEvent.
func DecodeReply(frame string) (Reply, error) {
	if !strings.HasPrefix(frame, Marker) {
		return Reply{}, fmt.Errorf("%w: no event marker", ErrUnexpectedEvent)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(frame[len(Marker):]), &parts); err != nil {
		return Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	if len(parts) != 2 {
		return Reply{}, fmt.Errorf("decode reply: want 2 elements, got %d", len(parts))
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return Reply{}, fmt.Errorf("decode reply event name: %w", err)
	}
	if name != EventNameSteer {
		return Reply{}, fmt.Errorf("%w: %q", ErrUnexpectedEvent, name)
	}
	var r Reply
	if err := json.Unmarshal(parts[1], &r); err != nil {
		return Reply{}, fmt.Errorf("decode reply record: %w", err)
	}
	return r, nil
}
