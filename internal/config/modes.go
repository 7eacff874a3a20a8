// internal/config/modes.go
package config

import (
	"fmt"

	"github.com/lumix-ai/warp/internal/model"
)

// Adaptation - closed set of incremental-session strategies
type Adaptation int

const (
	PrototypeOnly Adaptation = iota
	FineTune
	FineTuneWithFeatureAvg
)

func (a Adaptation) String() string {
	switch a {
	case PrototypeOnly:
		return "avg"
	case FineTune:
		return "ft"
	case FineTuneWithFeatureAvg:
		return "ft_avg"
	}
	return fmt.Sprintf("adaptation(%d)", int(a))
}

// Mode pairs an adaptation strategy with the classifier head metric.
type Mode struct {
	Adaptation Adaptation
	Metric     model.HeadMetric
}

var modes = map[string]Mode{
	"avg_cos":    {PrototypeOnly, model.Cosine},
	"avg_dot":    {PrototypeOnly, model.Dot},
	"ft_cos":     {FineTune, model.Cosine},
	"ft_dot":     {FineTune, model.Dot},
	"ft_avg_cos": {FineTuneWithFeatureAvg, model.Cosine},
	"ft_avg_dot": {FineTuneWithFeatureAvg, model.Dot},
}

// ParseMode resolves a mode name by exact match.
func ParseMode(name string) (Mode, error) {
	m, ok := modes[name]
	if !ok {
		return Mode{}, fmt.Errorf("unknown mode %q", name)
	}
	return m, nil
}

func (m Mode) String() string {
	return m.Adaptation.String() + "_" + m.Metric.String()
}

// FineTunes reports whether the mode adapts the backbone and therefore needs an importance mask.
func (m Mode) FineTunes() bool {
	return m.Adaptation == FineTune || m.Adaptation == FineTuneWithFeatureAvg
}

// Schedule - learning-rate schedule kind
type Schedule int

const (
	ScheduleStep Schedule = iota
	ScheduleMilestone
	ScheduleCosine
)

func ParseSchedule(name string) (Schedule, error) {
	switch name {
	case "Step":
		return ScheduleStep, nil
	case "Milestone":
		return ScheduleMilestone, nil
	case "Cosine":
		return ScheduleCosine, nil
	}
	return 0, fmt.Errorf("unknown schedule %q", name)
}

func (s Schedule) String() string {
	switch s {
	case ScheduleStep:
		return "Step"
	case ScheduleMilestone:
		return "Milestone"
	case ScheduleCosine:
		return "Cosine"
	}
	return fmt.Sprintf("schedule(%d)", int(s))
}
