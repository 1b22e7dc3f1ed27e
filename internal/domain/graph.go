package domain

import "github.com/google/uuid"

// Limits bound the size of a project's dependency graph.
type Limits struct {
	MaxTodos        int
	MaxDependencies int
}

// DefaultLimits mirrors the defaults shipped in taskwell.yml.
var DefaultLimits = Limits{
	MaxTodos:        1000,
	MaxDependencies: 100,
}

// ValidateDependencies decides whether todoID may depend on deps given the
// current dependency edges of its project. edges maps todo id to the ids it
// depends on; the entry for todoID, if any, is replaced by deps before the
// cycle check so updates are validated against the proposed state. The check
// is pure: callers mutate nothing until it passes.
func ValidateDependencies(todoID uuid.UUID, deps []uuid.UUID, edges map[uuid.UUID][]uuid.UUID, maxDeps int) error {
	if maxDeps > 0 && len(deps) > maxDeps {
		return ErrTooManyDependencies
	}
	for _, d := range deps {
		if d == todoID {
			return ErrSelfDependency
		}
	}
	probe := make(map[uuid.UUID][]uuid.UUID, len(edges)+1)
	for id, targets := range edges {
		if id == todoID {
			continue
		}
		probe[id] = targets
	}
	probe[todoID] = deps
	for _, d := range deps {
		if Reaches(probe, d, todoID) {
			return ErrCircularDependency
		}
	}
	return nil
}

// Reaches reports whether target is reachable from start by following edges.
func Reaches(edges map[uuid.UUID][]uuid.UUID, start, target uuid.UUID) bool {
	if start == target {
		return true
	}
	visited := map[uuid.UUID]bool{}
	stack := []uuid.UUID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, next := range edges[cur] {
			if next == target {
				return true
			}
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}
