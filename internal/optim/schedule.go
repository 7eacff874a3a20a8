// internal/optim/schedule.go
package optim

import "math"

// Scheduler adjusts the optimizer's learning rate once per epoch.
type Scheduler interface {
	// LastLR is the learning rate used by the current epoch.
	LastLR() float64
	Step()
}

type baseSchedule struct {
	opt    *SGD
	baseLR float64
	epoch  int
}

func (s *baseSchedule) LastLR() float64 {
	return s.opt.LR
}

// StepLR decays the rate by gamma every stepSize epochs.
type StepLR struct {
	baseSchedule
	stepSize int
	gamma    float64
}

func NewStepLR(opt *SGD, stepSize int, gamma float64) *StepLR {
	return &StepLR{baseSchedule: baseSchedule{opt: opt, baseLR: opt.LR}, stepSize: stepSize, gamma: gamma}
}

func (s *StepLR) Step() {
	s.epoch++
	s.opt.LR = s.baseLR * math.Pow(s.gamma, float64(s.epoch/s.stepSize))
}

// MultiStepLR decays the rate by gamma at each milestone epoch.
type MultiStepLR struct {
	baseSchedule
	milestones []int
	gamma      float64
}

func NewMultiStepLR(opt *SGD, milestones []int, gamma float64) *MultiStepLR {
	return &MultiStepLR{
		baseSchedule: baseSchedule{opt: opt, baseLR: opt.LR},
		milestones:   append([]int(nil), milestones...),
		gamma:        gamma,
	}
}

func (s *MultiStepLR) Step() {
	s.epoch++
	passed := 0
	for _, m := range s.milestones {
		if s.epoch >= m {
			passed++
		}
	}
	s.opt.LR = s.baseLR * math.Pow(s.gamma, float64(passed))
}

// CosineLR anneals the rate from its initial value to zero over tMax epochs.
type CosineLR struct {
	baseSchedule
	tMax int
}

func NewCosineLR(opt *SGD, tMax int) *CosineLR {
	return &CosineLR{baseSchedule: baseSchedule{opt: opt, baseLR: opt.LR}, tMax: tMax}
}

func (s *CosineLR) Step() {
	s.epoch++
	if s.tMax <= 0 {
		return
	}
	s.opt.LR = s.baseLR * (1 + math.Cos(math.Pi*float64(s.epoch)/float64(s.tMax))) / 2
}
