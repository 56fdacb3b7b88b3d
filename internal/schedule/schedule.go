// Package schedule orders provisioning stages by their declared
// dependencies and groups independent stages for concurrent execution.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceCheck is the stage that verifies the target before any work starts
const ServiceCheck = "service-check"

var (
	// ErrCircularDependency is matched by errors.Is for *CycleError
	ErrCircularDependency = errors.New("circular dependency")
	// ErrUnknownDependency is returned when a stage depends on an undeclared stage
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateStage is returned when two stages share a name
	ErrDuplicateStage = errors.New("duplicate stage")
)

// Stage is a named unit of work
type Stage struct {
	Name              string        `json:"name" yaml:"name"`
	Description       string        `json:"description" yaml:"description"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	Required          bool          `json:"required" yaml:"required"`
	Parallelizable    bool          `json:"parallelizable" yaml:"parallelizable"`
	Dependencies      []string      `json:"dependencies" yaml:"dependencies"`
}

// Plan is the set of stages a run needs
type Plan struct {
	Stages            []Stage       `json:"stages" yaml:"stages"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	SkipReasons       []string      `json:"skip_reasons" yaml:"skip_reasons"`
}

// Stage looks a stage up by name
func (p *Plan) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Scheduled is a Plan with a validated execution order
type Scheduled struct {
	Plan           `yaml:",inline"`
	ExecutionOrder []string   `json:"execution_order" yaml:"execution_order"`
	ParallelGroups [][]string `json:"parallel_groups" yaml:"parallel_groups"`
}

// CycleError names a stage that participates in a dependency cycle
type CycleError struct {
	Stage string
	Path  []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("circular dependency detected at stage %q", e.Stage)
	}
	return fmt.Sprintf("circular dependency detected at stage %q: %s", e.Stage, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCircularDependency
}

// Schedule topologically sorts plan's stages and groups them. The
// service-check stage, when present, always comes first and alone.
func Schedule(plan Plan) (*Scheduled, error) {
	index := make(map[string]Stage, len(plan.Stages))
	graph := make(map[string][]string, len(plan.Stages))
	names := make([]string, 0, len(plan.Stages))

	for _, s := range plan.Stages {
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name)
		}
		index[s.Name] = s
		graph[s.Name] = s.Dependencies
		names = append(names, s.Name)
	}

	for _, s := range plan.Stages {
		for _, dep := range s.Dependencies {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("%w: stage %q depends on %q", ErrUnknownDependency, s.Name, dep)
			}
		}
	}

	// service-check must precede everything
	if _, ok := index[ServiceCheck]; ok {
		if len(index[ServiceCheck].Dependencies) > 0 {
			return nil, fmt.Errorf("stage %q cannot have dependencies", ServiceCheck)
		}
		names = append([]string{ServiceCheck}, without(names, ServiceCheck)...)
		for name, deps := range graph {
			if name != ServiceCheck && !contains(deps, ServiceCheck) {
				graph[name] = append(append([]string{}, deps...), ServiceCheck)
			}
		}
	}

	order, err := topoSort(names, graph)
	if err != nil {
		return nil, err
	}

	return &Scheduled{
		Plan:           plan,
		ExecutionOrder: order,
		ParallelGroups: group(order, index, graph),
	}, nil
}

// topoSort is a depth-first sort that visits nodes in declaration order, so
// the result is stable for a given plan
func topoSort(names []string, graph map[string][]string) ([]string, error) {
	visited := make(map[string]bool, len(names))
	visiting := make(map[string]bool, len(names))
	order := make([]string, 0, len(names))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return &CycleError{Stage: name, Path: cyclePath(path, name)}
		}

		visiting[name] = true
		path = append(path, name)
		for _, dep := range graph[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// cyclePath returns the portion of path that closes the cycle at name
func cyclePath(path []string, name string) []string {
	for i, n := range path {
		if n == name {
			cycle := append([]string{}, path[i:]...)
			return append(cycle, name)
		}
	}
	return []string{name}
}

// group packs the topological order greedily. A stage joins the open group
// only if it is parallelizable and shares no edge with any member.
func group(order []string, index map[string]Stage, graph map[string][]string) [][]string {
	var groups [][]string
	var open []string

	flush := func() {
		if len(open) > 0 {
			groups = append(groups, open)
			open = nil
		}
	}

	for _, name := range order {
		stage := index[name]
		if !stage.Parallelizable {
			flush()
			groups = append(groups, []string{name})
			continue
		}

		if canJoin(name, open, graph) {
			open = append(open, name)
			continue
		}

		flush()
		open = []string{name}
	}
	flush()

	return groups
}

func canJoin(name string, members []string, graph map[string][]string) bool {
	for _, m := range members {
		if contains(graph[name], m) || contains(graph[m], name) {
			return false
		}
	}
	return true
}

// Validate checks that every stage's dependencies are scheduled in an
// earlier group and that ExecutionOrder is a topological order
func Validate(s *Scheduled) error {
	seenGroup := make(map[string]int)
	for gi, grp := range s.ParallelGroups {
		for _, name := range grp {
			seenGroup[name] = gi
		}
	}

	position := make(map[string]int, len(s.ExecutionOrder))
	for i, name := range s.ExecutionOrder {
		position[name] = i
	}

	for _, stage := range s.Stages {
		gi, ok := seenGroup[stage.Name]
		if !ok {
			return fmt.Errorf("stage %q is not scheduled", stage.Name)
		}
		for _, dep := range stage.Dependencies {
			dg, ok := seenGroup[dep]
			if !ok || dg >= gi {
				return fmt.Errorf("stage %q runs before its dependency %q", stage.Name, dep)
			}
			if position[dep] >= position[stage.Name] {
				return fmt.Errorf("execution order places %q before its dependency %q", stage.Name, dep)
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
