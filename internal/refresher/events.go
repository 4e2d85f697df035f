package refresher

import (
	"fmt"
	"time"
)

type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Event is published by a run. It is either a LogEvent or a ProgressEvent.
type Event interface {
	isEvent()
}

// LogEvent is one line for the log pane.
type LogEvent struct {
	Level   Level
	Message string
}

// ProgressEvent follows every processed candidate.
type ProgressEvent struct {
	Processed int
	Total     int
	Percent   int
	Elapsed   time.Duration
}

func (LogEvent) isEvent()      {}
func (ProgressEvent) isEvent() {}

func (e LogEvent) String() string { return e.Message }

// Ratio is Percent as a fraction for progress bars.
func (e ProgressEvent) Ratio() float64 { return float64(e.Percent) / 100 }

// ElapsedSeconds truncates Elapsed to whole seconds.
func (e ProgressEvent) ElapsedSeconds() int { return int(e.Elapsed / time.Second) }

func (e ProgressEvent) String() string {
	return fmt.Sprintf("%d/%d (%d%%) %ds", e.Processed, e.Total, e.Percent, e.ElapsedSeconds())
}

// Percent returns floor(processed/total*100). An empty run is complete.
func Percent(processed, total int) int {
	if total <= 0 {
		return 100
	}
	return processed * 100 / total
}
