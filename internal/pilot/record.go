package pilot

import (
	"time"

	"github.com/banshee-data/velocity.pilot/internal/polyfit"
	"github.com/banshee-data/velocity.pilot/internal/vehicle"
)

// StatusDeadline marks a tick whose solve missed the deadline and whose
// actuation came from the previous plan.
const StatusDeadline = "deadline_exceeded"

// TickRecord is everything one telemetry tick produced. Observers receive a
// copy after the reply is built.
type TickRecord struct {
	Session string
	Seq     uint64
	Time    time.Time

	Measured    vehicle.Kinematic // world frame, m/s
	Compensated vehicle.Kinematic // Measured advanced by the actuation latency
	Waypoints   int

	Reference polyfit.Polynomial
	CTE       float64
	EPsi      float64

	// Applied actuation: internal radians/acceleration and wire values.
	Delta    float64
	Accel    float64
	Steering float64
	Throttle float64

	PredictedX []float64
	PredictedY []float64

	Status     string // nlp.Status name or StatusDeadline
	Iterations int
	Cost       float64
	SolveTime  time.Duration
	Fallback   bool
}

// Observer receives tick records. ObserveTick runs on the control loop's
// goroutine and must not block.
type Observer interface {
	ObserveTick(rec TickRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(rec TickRecord)

// ObserveTick calls f(rec).
func (f ObserverFunc) ObserveTick(rec TickRecord) { f(rec) }

// SessionObserver is implemented by observers that track session lifetimes.
type SessionObserver interface {
	Observer
	SessionStarted(id string, at time.Time)
	SessionEnded(id string, at time.Time)
}
