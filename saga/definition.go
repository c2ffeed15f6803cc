package saga

import (
	"fmt"
)

// A Definition is the ordered, named sequence of steps a saga walks.
// Built once through Define and immutable afterwards.
type Definition struct {
	sagaName string
	steps    []*Step
	index    map[string]int
}

// SagaName owning this definition
func (d *Definition) SagaName() string { return d.sagaName }

// Len is the number of steps, pass-through markers included
func (d *Definition) Len() int { return len(d.steps) }

// First step of the definition, nil when the topology is empty
func (d *Definition) First() *Step {
	if len(d.steps) == 0 {
		return nil
	}
	return d.steps[0]
}

// Step returns the step with the given name, nil when there is none
func (d *Definition) Step(name string) *Step {
	if i, ok := d.index[name]; ok {
		return d.steps[i]
	}
	return nil
}

// StepAfter returns the step following name, nil past the end
func (d *Definition) StepAfter(name string) *Step {
	i, ok := d.index[name]
	if !ok || i+1 >= len(d.steps) {
		return nil
	}
	return d.steps[i+1]
}

// StepBefore returns the step preceding name, nil past the front
func (d *Definition) StepBefore(name string) *Step {
	i, ok := d.index[name]
	if !ok || i == 0 {
		return nil
	}
	return d.steps[i-1]
}

// StepNames in definition order
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.steps))
	for i, step := range d.steps {
		names[i] = step.name
	}
	return names
}

// Define starts building a definition for the named saga
func Define(sagaName string) *Builder {
	return &Builder{sagaName: sagaName}
}

// A Builder accumulates steps for a definition. Step declaration order
// is topology order.
type Builder struct {
	sagaName string
	steps    []*StepBuilder
}

// Step declares the next step of the topology
func (b *Builder) Step(name string) *StepBuilder {
	sb := &StepBuilder{step: &Step{name: name}}
	b.steps = append(b.steps, sb)
	return sb
}

// Build validates the declared topology and freezes it into a
// definition. Duplicate step names and a must-complete step that also
// declares a compensation are build-time errors.
func (b *Builder) Build() (*Definition, error) {
	def := &Definition{
		sagaName: b.sagaName,
		steps:    make([]*Step, 0, len(b.steps)),
		index:    make(map[string]int, len(b.steps)),
	}
	for i, sb := range b.steps {
		step := sb.step
		if _, ok := def.index[step.name]; ok {
			return nil, fmt.Errorf("saga %q: duplicate step name %q", b.sagaName, step.name)
		}
		if step.mustComplete && step.compensation != nil {
			return nil, fmt.Errorf("saga %q: step %q cannot both must-complete and compensate", b.sagaName, step.name)
		}
		def.index[step.name] = i
		def.steps = append(def.steps, step)
	}
	return def, nil
}

// A StepBuilder configures a single step
type StepBuilder struct {
	step *Step
}

// Invoke sets the step's invocation action
func (s *StepBuilder) Invoke(action *Action) *StepBuilder {
	s.step.invocation = action
	return s
}

// CompensateWith sets the step's compensation action
func (s *StepBuilder) CompensateWith(action *Action) *StepBuilder {
	s.step.compensation = action
	return s
}

// MustComplete retries a failed invocation in place until it succeeds.
// Steps marked this way never enter the compensation path.
func (s *StepBuilder) MustComplete() *StepBuilder {
	s.step.mustComplete = true
	return s
}

// OnReply appends a reply handler; handlers run in declared order
func (s *StepBuilder) OnReply(handlers ...ReplyHandler) *StepBuilder {
	s.step.handlers = append(s.step.handlers, handlers...)
	return s
}
