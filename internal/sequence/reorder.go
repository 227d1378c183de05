package sequence

import (
	"fmt"

	"github.com/google/uuid"
)

// endMarker stands in for a skip target equal to len(steps), the "jump to
// end" sentinel, which references no step and survives any reorder.
var endMarker = uuid.Nil

// ReorderSteps rebuilds a step list in the given id order, renumbering
// step_order densely from 0 and remapping every skip_to_step_index so it
// keeps following the step it pointed at. newOrder must be a permutation of
// the current step ids.
func ReorderSteps(steps []Step, newOrder []uuid.UUID) ([]Step, error) {
	if len(newOrder) != len(steps) {
		return nil, &ConfigurationError{
			Detail: fmt.Sprintf("reorder lists %d step ids for %d steps", len(newOrder), len(steps)),
		}
	}
	byID := make(map[uuid.UUID]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	reordered := make([]Step, 0, len(steps))
	seen := make(map[uuid.UUID]bool, len(newOrder))
	for _, id := range newOrder {
		step, ok := byID[id]
		if !ok {
			return nil, &ConfigurationError{Detail: fmt.Sprintf("reorder references unknown step %s", id)}
		}
		if seen[id] {
			return nil, &ConfigurationError{Detail: fmt.Sprintf("reorder lists step %s twice", id)}
		}
		seen[id] = true
		reordered = append(reordered, step)
	}
	return reindexSteps(steps, reordered)
}

// RemoveStep deletes one step and renumbers the remainder. A branch config
// whose skip target pointed at the deleted step invalidates the mutation: the
// caller must fix the branch first, the target is never silently remapped.
func RemoveStep(steps []Step, id uuid.UUID) ([]Step, error) {
	remaining := make([]Step, 0, len(steps))
	found := false
	for _, s := range steps {
		if s.ID == id {
			found = true
			continue
		}
		remaining = append(remaining, s)
	}
	if !found {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("step %s not found", id)}
	}
	return reindexSteps(steps, remaining)
}

// reindexSteps renumbers result densely and rewrites skip targets from the
// old index space (defined by prior) into the new one, following step ids.
func reindexSteps(prior, result []Step) ([]Step, error) {
	// Old index -> step id, with the one-past-the-end sentinel.
	oldTarget := func(idx int) (uuid.UUID, error) {
		if idx == len(prior) {
			return endMarker, nil
		}
		if idx < 0 || idx > len(prior) {
			return uuid.Nil, &ConfigurationError{
				Detail: fmt.Sprintf("skip_to_step_index %d out of range for %d steps", idx, len(prior)),
			}
		}
		return prior[idx].ID, nil
	}
	newIndex := make(map[uuid.UUID]int, len(result)+1)
	for i, s := range result {
		newIndex[s.ID] = i
	}
	newIndex[endMarker] = len(result)

	out := make([]Step, len(result))
	for i, s := range result {
		s.StepOrder = i
		if s.Type == StepCondition && s.Condition != nil && s.Condition.UseAdvanced && s.Condition.Advanced != nil {
			branch := *s.Condition.Advanced
			remapped, err := remapActions(branch, oldTarget, newIndex)
			if err != nil {
				return nil, err
			}
			payload := *s.Condition
			payload.Advanced = &remapped
			s.Condition = &payload
		}
		out[i] = s
	}
	return out, nil
}

func remapActions(branch BranchConfig, oldTarget func(int) (uuid.UUID, error), newIndex map[uuid.UUID]int) (BranchConfig, error) {
	remap := func(a ActionSpec) (ActionSpec, error) {
		if a.Action != ActionSkipToStep || a.SkipToStepIndex == nil {
			return a, nil
		}
		targetID, err := oldTarget(*a.SkipToStepIndex)
		if err != nil {
			return a, err
		}
		idx, ok := newIndex[targetID]
		if !ok {
			return a, &ConfigurationError{
				Detail: fmt.Sprintf("skip_to_step target %s was removed; fix the branch config first", targetID),
			}
		}
		a.SkipToStepIndex = &idx
		return a, nil
	}

	var err error
	if branch.IfTrue, err = remap(branch.IfTrue); err != nil {
		return branch, err
	}
	if branch.IfFalse, err = remap(branch.IfFalse); err != nil {
		return branch, err
	}
	return branch, nil
}
