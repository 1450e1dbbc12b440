package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a dependency cycle in a workflow definition,
// naming the participating step IDs.
type CycleError struct {
	StepIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.StepIDs, " -> "))
}

// UnknownDependencyError reports a depends_on reference to a step ID
// that does not exist within the same definition.
type UnknownDependencyError struct {
	StepID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %s depends on unknown step %s", e.StepID, e.Dependency)
}

const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// validateAcyclic runs a depth-first traversal over the dependency
// graph looking for back-edges. Any back-edge yields a CycleError
// naming the steps on the cycle.
func (d *Definition) validateAcyclic() error {
	color := make(map[string]int, len(d.Steps))
	var path []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = colorGray
		path = append(path, id)
		step := d.Step(id)
		for _, dep := range step.DependsOn {
			switch color[dep] {
			case colorGray:
				// back-edge: slice the current path from dep onward
				cycle := []string{dep}
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == dep {
						break
					}
					cycle = append(cycle, path[i])
				}
				sort.Strings(cycle)
				return &CycleError{StepIDs: cycle}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = colorBlack
		return nil
	}

	for i := range d.Steps {
		if color[d.Steps[i].ID] == colorWhite {
			if err := visit(d.Steps[i].ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadySteps computes the ready-set: steps currently PENDING whose
// every dependency has resolved successfully. Dependents of skipped or
// failed steps are not returned here — the engine marks them SKIPPED
// when it processes the failure, so they are no longer PENDING.
// Pure function of its inputs; safe to call repeatedly, both on the
// live path and while replaying a checkpoint after a crash.
// The result is sorted for deterministic dispatch order.
func ReadySteps(d *Definition, states map[string]*StepState) []string {
	var ready []string
	for i := range d.Steps {
		step := &d.Steps[i]
		state := states[step.ID]
		if state == nil || state.Status != StepPending {
			continue
		}
		satisfied := true
		for _, dep := range step.DependsOn {
			depState := states[dep]
			if depState == nil || depState.Status != StepSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step.ID)
		}
	}
	sort.Strings(ready)
	return ready
}

// TransitiveDependents returns every step downstream of stepID,
// directly or indirectly. Used for skip propagation.
func TransitiveDependents(d *Definition, stepID string) []string {
	dependents := make(map[string][]string, len(d.Steps))
	for i := range d.Steps {
		for _, dep := range d.Steps[i].DependsOn {
			dependents[dep] = append(dependents[dep], d.Steps[i].ID)
		}
	}
	seen := make(map[string]struct{})
	queue := []string{stepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
