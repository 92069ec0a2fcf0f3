package pipeline

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
)

// CompiledFilter is a filter definition bound to its implementation.
type CompiledFilter struct {
	Def  Filter
	Impl handler.Filter
}

// CompiledAction is an action definition bound to its implementation and
// its optional condition.
type CompiledAction struct {
	Def       Action
	Impl      handler.Action
	Condition Condition
}

// Compiled is one executable pipeline.
type Compiled struct {
	Def     Pipeline
	Filters []CompiledFilter
	Actions []CompiledAction
}

// Rejection records a pipeline excluded from a Set and why.
type Rejection struct {
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Reason     string `json:"reason"`
	Err        error  `json:"-"`
}

// Set is an immutable, priority-ordered collection of compiled pipelines.
// A Set is never modified after Build returns; reload builds a new one.
type Set struct {
	Generation uint64
	BuiltAt    time.Time
	Pipelines  []*Compiled
	Rejected   []Rejection
}

// EmptySet is the set an executor starts with before the first reload.
func EmptySet() *Set {
	return &Set{BuiltAt: time.Now().UTC()}
}

// Len returns the number of executable pipelines.
func (s *Set) Len() int { return len(s.Pipelines) }

// Lookup finds a compiled pipeline by id.
func (s *Set) Lookup(id string) (*Compiled, bool) {
	for _, p := range s.Pipelines {
		if p.Def.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Build compiles every enabled definition. Pipelines that fail to compile
// are recorded in Rejected instead of failing the whole set.
func Build(defs []Pipeline, reg *handler.Registry, generation uint64) *Set {
	sorted := make([]Pipeline, 0, len(defs))
	for _, d := range defs {
		if d.Enabled {
			sorted = append(sorted, d)
		}
	}
	SortPipelines(sorted)

	set := &Set{Generation: generation, BuiltAt: time.Now().UTC()}
	seen := make(map[string]string, len(sorted))
	for _, d := range sorted {
		if other, dup := seen[d.Name]; dup {
			err := errs.Errorf(errs.ErrConfig, "pipeline "+d.Name, "name already used by pipeline %s", other)
			set.Rejected = append(set.Rejected, Rejection{PipelineID: d.ID, Name: d.Name, Reason: err.Error(), Err: err})
			continue
		}
		c, err := Compile(d, reg)
		if err != nil {
			set.Rejected = append(set.Rejected, Rejection{PipelineID: d.ID, Name: d.Name, Reason: err.Error(), Err: err})
			continue
		}
		seen[d.Name] = d.ID
		set.Pipelines = append(set.Pipelines, c)
	}
	return set
}

// Compile validates one definition and binds its handlers.
func Compile(def Pipeline, reg *handler.Registry) (*Compiled, error) {
	if err := checkShape(def); err != nil {
		return nil, err
	}

	c := &Compiled{Def: def}
	c.Def.Filters = append([]Filter(nil), def.Filters...)
	c.Def.Actions = append([]Action(nil), def.Actions...)
	SortFilters(c.Def.Filters)
	SortActions(c.Def.Actions)

	var problems []error
	for i, f := range c.Def.Filters {
		impl, err := reg.NewFilter(f.Type, f.Config)
		if err != nil {
			problems = append(problems, fmt.Errorf("filter %s (%s): %w", f.ID, f.Type, err))
			continue
		}
		if s, ok := impl.(handler.Scoped); ok {
			s.SetScope(filterScope(def, i))
		}
		c.Filters = append(c.Filters, CompiledFilter{Def: f, Impl: impl})
	}
	for _, a := range c.Def.Actions {
		impl, err := reg.NewAction(a.Type, a.Config)
		if err != nil {
			problems = append(problems, fmt.Errorf("action %s (%s): %w", a.ID, a.Type, err))
			continue
		}
		cond, err := CompileCondition(a.ConditionType, a.ConditionConfig)
		if err != nil {
			problems = append(problems, fmt.Errorf("action %s condition: %w", a.ID, err))
			continue
		}
		c.Actions = append(c.Actions, CompiledAction{Def: a, Impl: impl, Condition: cond})
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("pipeline %q: %w", def.Name, errors.Join(problems...))
	}
	return c, nil
}

// filterScope keys filter state by pipeline and position. Filter ids are
// regenerated when a pipeline is re-imported; positions are not.
func filterScope(def Pipeline, index int) string {
	owner := def.ID
	if owner == "" {
		owner = def.Name
	}
	return owner + "/" + strconv.Itoa(index)
}

// Validate reports every problem that would keep def out of a Set.
func Validate(def Pipeline, reg *handler.Registry) error {
	_, err := Compile(def, reg)
	return err
}

func checkShape(def Pipeline) error {
	var problems []error
	if def.Name == "" {
		problems = append(problems, errors.New("name is required"))
	}
	for _, a := range def.Actions {
		if a.RetryCount < 0 {
			problems = append(problems, fmt.Errorf("action %s: retry_count must be >= 0", a.ID))
		}
		if a.TimeoutMs < 0 {
			problems = append(problems, fmt.Errorf("action %s: timeout_ms must be >= 0", a.ID))
		}
		if a.RetryDelayMs < 0 {
			problems = append(problems, fmt.Errorf("action %s: retry_delay_ms must be >= 0", a.ID))
		}
	}
	if len(problems) > 0 {
		return errs.Wrap(errs.ErrConfig, "pipeline "+def.Name, errors.Join(problems...))
	}
	return nil
}

// Equivalent reports whether two sets would dispatch identically: same
// pipelines in the same order with the same definitions, and the same
// rejections. Statistics and timestamps of the build are ignored.
func (s *Set) Equivalent(other *Set) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.Pipelines) != len(other.Pipelines) || len(s.Rejected) != len(other.Rejected) {
		return false
	}
	for i := range s.Pipelines {
		if !reflect.DeepEqual(withoutStats(s.Pipelines[i].Def), withoutStats(other.Pipelines[i].Def)) {
			return false
		}
	}
	for i := range s.Rejected {
		if s.Rejected[i].PipelineID != other.Rejected[i].PipelineID || s.Rejected[i].Reason != other.Rejected[i].Reason {
			return false
		}
	}
	return true
}

func withoutStats(p Pipeline) Pipeline {
	p.Stats = Statistics{}
	return p
}
