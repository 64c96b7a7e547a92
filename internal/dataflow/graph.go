// Package dataflow implements the dataflow engine: builds a task graph
// from a deployed package, drives it to completion with bounded
// concurrency, deterministic caching, dependent-skip on failure, and an
// observable event stream.
//
// BuildGraph records each task's dependencies and an adjacency list of its
// dependents; the scheduling loop is a single coordinating goroutine that
// starts one goroutine per dispatched task, at most the concurrency limit at
// a time, and collects their results over one channel.
package dataflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
)

// TaskNode is one vertex of a built Graph.
type TaskNode struct {
	Name      string
	TaskHash  model.Hash
	Inputs    []model.TreePath
	Output    model.TreePath
	DependsOn []string
}

// Graph is the fully-resolved task DAG for one deployed package.
type Graph struct {
	Tasks    map[string]*TaskNode
	Order    []string            // task names, sorted — iteration order everywhere
	Children map[string][]string // name -> names of tasks that depend on it, sorted
}

// BuildGraph loads every task object referenced by pkg, derives producer
// edges from shared TreePaths, and validates the result is acyclic with no
// duplicate output paths.
func BuildGraph(ctx context.Context, objects *objectstore.Store, repo string, pkg model.PackageObject) (*Graph, error) {
	names := make([]string, 0, len(pkg.Tasks))
	for name := range pkg.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make(map[string]*TaskNode, len(names))
	producerOf := make(map[string]string, len(names))

	for _, name := range names {
		taskHash := pkg.Tasks[name]
		b, err := objects.Read(ctx, repo, taskHash)
		if err != nil {
			return nil, fmt.Errorf("load task %q: %w", name, err)
		}
		var obj model.TaskObject
		if err := codec.JSON().Decode(b, &obj); err != nil {
			return nil, fmt.Errorf("decode task %q: %w", name, err)
		}
		node := &TaskNode{Name: name, TaskHash: taskHash, Inputs: obj.Inputs, Output: obj.Output}
		tasks[name] = node

		outKey := node.Output.String()
		if existing, ok := producerOf[outKey]; ok && existing != name {
			return nil, fmt.Errorf("task %q and %q both produce %q: %w", existing, name, outKey, apperr.ErrDuplicateOutput)
		}
		producerOf[outKey] = name
	}

	children := make(map[string][]string, len(names))
	for _, name := range names {
		node := tasks[name]
		depSet := make(map[string]struct{})
		for _, in := range node.Inputs {
			if producer, ok := producerOf[in.String()]; ok && producer != name {
				depSet[producer] = struct{}{}
			}
		}
		deps := make([]string, 0, len(depSet))
		for d := range depSet {
			deps = append(deps, d)
		}
		sort.Strings(deps)
		node.DependsOn = deps
		for _, d := range deps {
			children[d] = append(children[d], name)
		}
	}
	for name := range children {
		sort.Strings(children[name])
	}

	g := &Graph{Tasks: tasks, Order: names, Children: children}
	if err := detectCycle(g); err != nil {
		return nil, err
	}
	return g, nil
}

const (
	white = 0
	gray  = 1
	black = 2
)

func detectCycle(g *Graph) error {
	color := make(map[string]int, len(g.Order))
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range g.Tasks[name].DependsOn {
			switch color[dep] {
			case gray:
				return apperr.ErrCycleDetected
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for _, name := range g.Order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ready returns the names of tasks that are not yet completed, failed,
// skipped, or running, and whose dependencies are all completed — in
// stable lexicographic order.
func Ready(g *Graph, completed, failed, skipped, running map[string]bool) []string {
	var ready []string
	for _, name := range g.Order {
		if completed[name] || failed[name] || skipped[name] || running[name] {
			continue
		}
		blocked := false
		for _, dep := range g.Tasks[name].DependsOn {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, name)
		}
	}
	return ready
}

// DependentsToSkip returns every transitive descendant of fromTask not
// already completed or skipped, in stable lexicographic order.
func DependentsToSkip(g *Graph, fromTask string, completed, skipped map[string]bool) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(name string)
	walk = func(name string) {
		for _, child := range g.Children[name] {
			if seen[child] || completed[child] || skipped[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(fromTask)
	sort.Strings(out)
	return out
}
