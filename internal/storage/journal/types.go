package journal

import "github.com/ChuLiYu/outbreak-sim/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records the simulation writes ahead of publishing
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventWave    EventType = "WAVE"    // A wave was evaluated on a serial-interval day
	EventInfect  EventType = "INFECT"  // Individual infected, severity and resolution day assigned
	EventRecover EventType = "RECOVER" // Individual recovered on its resolution day
	EventDie     EventType = "DIE"     // Individual died on its resolution day
)

// Event represents one journal record
type Event struct {
	Seq       uint64    `json:"seq"`       // Monotonically increasing sequence number
	Day       int       `json:"day"`       // Simulation day the event belongs to
	Type      EventType `json:"type"`      // Event type
	Timestamp int64     `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`  // CRC32 checksum

	// INFECT / RECOVER / DIE
	Individual    types.IndividualID `json:"individual,omitempty"`
	Severity      types.Severity     `json:"severity,omitempty"`
	ResolutionDay int                `json:"resolution_day,omitempty"`

	// WAVE
	NewInfected   int  `json:"new_infected,omitempty"`
	ExposedBefore int  `json:"exposed_before,omitempty"`
	ExposedAfter  int  `json:"exposed_after,omitempty"`
	Clamped       bool `json:"clamped,omitempty"`
}

// EventHandler is the function type for processing journal events during
// Replay
type EventHandler func(event Event) error

// EventsFromSummary flattens one day summary into journal events, in the
// order the day was processed: resolutions, then the wave, then infections.
// Seq, Timestamp and Checksum are filled in by Append.
//
// The seeding summary (day -1) records its infections on day 0, the day
// patient zeros were infected.
func EventsFromSummary(s types.DaySummary) []Event {
	day := s.Day
	if day < 0 {
		day = 0
	}

	events := make([]Event, 0, len(s.NewlyResolved)+len(s.NewlyInfected)+1)
	for _, r := range s.NewlyResolved {
		typ := EventRecover
		if r.Outcome == types.OutcomeDead {
			typ = EventDie
		}
		events = append(events, Event{Day: day, Type: typ, Individual: r.ID, Severity: r.Severity})
	}
	if w := s.Wave; w != nil {
		events = append(events, Event{
			Day:           day,
			Type:          EventWave,
			NewInfected:   w.NewInfected,
			ExposedBefore: w.ExposedBefore,
			ExposedAfter:  w.ExposedAfter,
			Clamped:       w.Clamped,
		})
	}
	for _, inf := range s.NewlyInfected {
		events = append(events, Event{
			Day:           day,
			Type:          EventInfect,
			Individual:    inf.ID,
			Severity:      inf.Severity,
			ResolutionDay: inf.ResolutionDay,
		})
	}
	return events
}
