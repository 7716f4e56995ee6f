package dazee

import (
	"strings"
)

// StepStatus tracks one plan step through the turn loop.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
)

// PlanStep is one node of the plan tree. Children refine a step into
// sub-steps; a step is complete when it and all its children are done.
type PlanStep struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Status   StepStatus  `json:"status"`
	Children []*PlanStep `json:"children,omitempty"`
}

// Plan is the working todo tree for a session. Complex intents get one before
// the first model call; replanning replaces it wholesale.
type Plan struct {
	Goal  string      `json:"goal"`
	Steps []*PlanStep `json:"steps"`
}

func (p *Plan) walk(fn func(*PlanStep)) {
	var rec func(steps []*PlanStep)
	rec = func(steps []*PlanStep) {
		for _, s := range steps {
			fn(s)
			rec(s.Children)
		}
	}
	rec(p.Steps)
}

// Find returns the step with the given id, or nil.
func (p *Plan) Find(id string) *PlanStep {
	var found *PlanStep
	p.walk(func(s *PlanStep) {
		if s.ID == id {
			found = s
		}
	})
	return found
}

// NextPending returns the first step, depth-first, still waiting to run.
func (p *Plan) NextPending() *PlanStep {
	var next *PlanStep
	p.walk(func(s *PlanStep) {
		if next == nil && (s.Status == StepPending || s.Status == StepInProgress) && len(s.Children) == 0 {
			next = s
		}
	})
	return next
}

// SetStatus updates the step with the given id. Unknown ids are ignored.
func (p *Plan) SetStatus(id string, status StepStatus) {
	if s := p.Find(id); s != nil {
		s.Status = status
	}
}

// Progress returns done and total leaf step counts.
func (p *Plan) Progress() (done, total int) {
	p.walk(func(s *PlanStep) {
		if len(s.Children) > 0 {
			return
		}
		total++
		if s.Status == StepDone {
			done++
		}
	})
	return done, total
}

// Markdown renders the plan as a checklist for prompt injection.
func (p *Plan) Markdown() string {
	var b strings.Builder
	if p.Goal != "" {
		b.WriteString("Goal: ")
		b.WriteString(p.Goal)
		b.WriteString("\n")
	}
	var rec func(steps []*PlanStep, depth int)
	rec = func(steps []*PlanStep, depth int) {
		for _, s := range steps {
			b.WriteString(strings.Repeat("  ", depth))
			switch s.Status {
			case StepDone:
				b.WriteString("- [x] ")
			case StepFailed:
				b.WriteString("- [!] ")
			case StepInProgress:
				b.WriteString("- [~] ")
			default:
				b.WriteString("- [ ] ")
			}
			b.WriteString(s.Title)
			b.WriteString("\n")
			rec(s.Children, depth+1)
		}
	}
	rec(p.Steps, 0)
	return strings.TrimRight(b.String(), "\n")
}
