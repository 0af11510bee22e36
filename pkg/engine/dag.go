package engine

import (
	"fmt"
	"sort"
	"strings"
)

// PlanGraph is the dependency graph of a plan.
// Edges run from a producing task to every task consuming one of its outputs,
// and from a task to its follow-up tasks.
type PlanGraph struct {
	plan *Plan

	// tasks maps task IDs to tasks
	tasks map[string]*Task

	// stageIndex maps task IDs to the index of their stage in the plan
	stageIndex map[string]int

	// dependencies maps task IDs to the tasks they depend on
	dependencies map[string][]string

	// dependents maps task IDs to the tasks that depend on them
	dependents map[string][]string
}

// NewPlanGraph indexes a plan and validates its dependency edges.
func NewPlanGraph(plan *Plan) (*PlanGraph, error) {
	g := &PlanGraph{
		plan:         plan,
		tasks:        make(map[string]*Task),
		stageIndex:   make(map[string]int),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}

	if err := g.initialize(); err != nil {
		return nil, err
	}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	if err := g.checkOrdering(); err != nil {
		return nil, err
	}
	return g, nil
}

// ValidatePlan checks that every dependency of every task is guaranteed to
// complete before the task starts.
func ValidatePlan(plan *Plan) error {
	_, err := NewPlanGraph(plan)
	return err
}

// initialize sets up the internal data structures from the plan.
func (g *PlanGraph) initialize() error {
	// First pass: index all tasks
	for si := range g.plan.Stages {
		stage := &g.plan.Stages[si]
		for ti := range stage.Tasks {
			task := &stage.Tasks[ti]
			if task.ID == "" {
				return NewConstructionError("task has empty ID", nil).
					WithCode(ErrCodeValidation).WithResource(stage.Name)
			}
			if _, exists := g.tasks[task.ID]; exists {
				return NewConstructionError(fmt.Sprintf("duplicate task ID: %s", task.ID), nil).
					WithCode(ErrCodeValidation)
			}
			if err := task.Kind.Validate(); err != nil {
				return NewConstructionError(fmt.Sprintf("task %s has an invalid kind", task.ID), err).
					WithCode(ErrCodeValidation).WithResource(task.ID)
			}
			if task.RunOrder < 1 {
				return NewConstructionError(fmt.Sprintf("task %s has run order %d", task.ID, task.RunOrder), nil).
					WithCode(ErrCodeValidation).WithResource(task.ID)
			}
			g.tasks[task.ID] = task
			g.stageIndex[task.ID] = si
		}
	}

	// Second pass: build edges and validate that their targets exist
	for _, task := range g.plan.Tasks() {
		for _, in := range task.Inputs {
			if err := g.addEdge(in.ProducerID, task.ID); err != nil {
				return err
			}
		}
		if task.FollowUpOf != "" {
			if err := g.addEdge(task.FollowUpOf, task.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *PlanGraph) addEdge(from, to string) error {
	if _, exists := g.tasks[from]; !exists {
		return NewConstructionError(
			fmt.Sprintf("task %s depends on non-existent task %q", to, from), nil,
		).WithResource(to)
	}
	for _, existing := range g.dependencies[to] {
		if existing == from {
			return nil
		}
	}
	g.dependencies[to] = append(g.dependencies[to], from)
	g.dependents[from] = append(g.dependents[from], to)
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *PlanGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, task := range g.plan.Tasks() {
		if visited[task.ID] {
			continue
		}
		if cycle := g.detectCyclesUtil(task.ID, visited, recStack, nil); cycle != nil {
			return NewConstructionError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}

func (g *PlanGraph) detectCyclesUtil(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range g.dependents[id] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// checkOrdering verifies that every dependency lives in an earlier stage, or
// in the same stage with a strictly lower run order.
func (g *PlanGraph) checkOrdering() error {
	for _, task := range g.plan.Tasks() {
		for _, depID := range g.dependencies[task.ID] {
			dep := g.tasks[depID]
			depStage, taskStage := g.stageIndex[depID], g.stageIndex[task.ID]

			switch {
			case depStage < taskStage:
				continue
			case depStage > taskStage:
				return NewConstructionError(
					fmt.Sprintf("task %s consumes %s from later stage %s", task.ID, depID, dep.Stage), nil,
				).WithResource(task.ID)
			case dep.RunOrder >= task.RunOrder:
				return NewConstructionError(
					fmt.Sprintf("task %s at run order %d depends on %s at run order %d",
						task.ID, task.RunOrder, depID, dep.RunOrder), nil,
				).WithResource(task.ID)
			}
		}
	}
	return nil
}

// Dependencies returns the IDs of the tasks the given task depends on.
func (g *PlanGraph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Dependents returns the IDs of the tasks depending on the given task.
func (g *PlanGraph) Dependents(id string) []string {
	return g.dependents[id]
}

// Edges returns every edge as (from, to) pairs, sorted for stable output.
func (g *PlanGraph) Edges() [][2]string {
	edges := make([][2]string, 0)
	for to, froms := range g.dependencies {
		for _, from := range froms {
			edges = append(edges, [2]string{from, to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// ToDOT generates a DOT representation of the plan for visualization.
// Stages become clusters, run orders become nested clusters.
func (g *PlanGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", g.plan.Pipeline))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for si := range g.plan.Stages {
		stage := &g.plan.Stages[si]
		sb.WriteString(fmt.Sprintf("  subgraph cluster_stage_%d {\n", si))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", stage.Name))
		sb.WriteString("    style=dashed;\n")

		for _, level := range stage.Levels() {
			sb.WriteString(fmt.Sprintf("    subgraph cluster_stage_%d_order_%d {\n", si, level[0].RunOrder))
			sb.WriteString(fmt.Sprintf("      label=\"run order %d\";\n", level[0].RunOrder))
			for _, task := range level {
				label := fmt.Sprintf("%s\\n%s %s", task.Name, task.Kind, task.Region)
				sb.WriteString(fmt.Sprintf("      %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
					task.ID, label, getKindColor(task.Kind)))
			}
			sb.WriteString("    }\n")
		}

		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges() {
		style := "style=solid, color=black"
		if g.tasks[edge[1]].FollowUpOf == edge[0] {
			style = "style=dashed, color=blue"
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", edge[0], edge[1], style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getKindColor returns a color for visualizing task kinds.
func getKindColor(kind TaskKind) string {
	switch kind {
	case TaskNativeDeploy:
		return "lightgreen"
	case TaskDelegatedDeploy:
		return "lightyellow"
	case TaskInvokeCapability:
		return "lightblue"
	case TaskFollowUpACLUpdate:
		return "lightgray"
	default:
		return "white"
	}
}
