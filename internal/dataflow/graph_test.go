package dataflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
)

func newTestObjects(t *testing.T) *objectstore.Store {
	t.Helper()
	s, err := objectstore.Open(filepath.Join(t.TempDir(), "objects.db"), metricnoop.NewMeterProvider().Meter("test"), tracenoop.NewTracerProvider().Tracer("test"))
	if err != nil {
		t.Fatalf("objectstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// putTask writes a TaskObject and returns its hash, for use as a pkg.Tasks entry.
func putTask(t *testing.T, ctx context.Context, objects *objectstore.Store, repo string, obj model.TaskObject) model.Hash {
	t.Helper()
	b, err := codec.JSON().Encode(obj)
	if err != nil {
		t.Fatalf("encode task: %v", err)
	}
	h, err := objects.Write(ctx, repo, b)
	if err != nil {
		t.Fatalf("write task: %v", err)
	}
	return h
}

// linearPackage builds a -> b -> c chain: a produces "x", b consumes "x" and
// produces "y", c consumes "y" and produces "z".
func linearPackage(t *testing.T, ctx context.Context, objects *objectstore.Store, repo string) model.PackageObject {
	t.Helper()
	aHash := putTask(t, ctx, objects, repo, model.TaskObject{Output: model.FieldPath("x")})
	bHash := putTask(t, ctx, objects, repo, model.TaskObject{Inputs: []model.TreePath{model.FieldPath("x")}, Output: model.FieldPath("y")})
	cHash := putTask(t, ctx, objects, repo, model.TaskObject{Inputs: []model.TreePath{model.FieldPath("y")}, Output: model.FieldPath("z")})
	return model.PackageObject{Tasks: map[string]model.Hash{"a": aHash, "b": bHash, "c": cHash}}
}

func TestBuildGraphDerivesDependencyEdges(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)
	pkg := linearPackage(t, ctx, objects, "repo")

	g, err := BuildGraph(ctx, objects, "repo", pkg)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if got := g.Tasks["b"].DependsOn; len(got) != 1 || got[0] != "a" {
		t.Fatalf("b.DependsOn = %v, want [a]", got)
	}
	if got := g.Tasks["c"].DependsOn; len(got) != 1 || got[0] != "b" {
		t.Fatalf("c.DependsOn = %v, want [b]", got)
	}
	if got := g.Children["a"]; len(got) != 1 || got[0] != "b" {
		t.Fatalf("Children[a] = %v, want [b]", got)
	}
}

func TestBuildGraphRejectsDuplicateOutput(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)
	aHash := putTask(t, ctx, objects, "repo", model.TaskObject{Output: model.FieldPath("x")})
	bHash := putTask(t, ctx, objects, "repo", model.TaskObject{Output: model.FieldPath("x")})
	pkg := model.PackageObject{Tasks: map[string]model.Hash{"a": aHash, "b": bHash}}

	_, err := BuildGraph(ctx, objects, "repo", pkg)
	if err == nil {
		t.Fatalf("expected duplicate-output error")
	}
	if !errors.Is(err, apperr.ErrDuplicateOutput) {
		t.Fatalf("BuildGraph error = %v, want wrapping ErrDuplicateOutput", err)
	}
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)
	aHash := putTask(t, ctx, objects, "repo", model.TaskObject{Inputs: []model.TreePath{model.FieldPath("y")}, Output: model.FieldPath("x")})
	bHash := putTask(t, ctx, objects, "repo", model.TaskObject{Inputs: []model.TreePath{model.FieldPath("x")}, Output: model.FieldPath("y")})
	pkg := model.PackageObject{Tasks: map[string]model.Hash{"a": aHash, "b": bHash}}

	_, err := BuildGraph(ctx, objects, "repo", pkg)
	if !errors.Is(err, apperr.ErrCycleDetected) {
		t.Fatalf("BuildGraph error = %v, want wrapping ErrCycleDetected", err)
	}
}

func TestReadyRespectsDependencyCompletion(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)
	pkg := linearPackage(t, ctx, objects, "repo")
	g, err := BuildGraph(ctx, objects, "repo", pkg)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	ready := Ready(g, map[string]bool{}, map[string]bool{}, map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("initial Ready = %v, want [a]", ready)
	}

	ready = Ready(g, map[string]bool{"a": true}, map[string]bool{}, map[string]bool{}, map[string]bool{})
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("Ready after a completes = %v, want [b]", ready)
	}
}

func TestDependentsToSkipWalksTransitively(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)
	pkg := linearPackage(t, ctx, objects, "repo")
	g, err := BuildGraph(ctx, objects, "repo", pkg)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	skip := DependentsToSkip(g, "a", map[string]bool{}, map[string]bool{})
	if len(skip) != 2 || skip[0] != "b" || skip[1] != "c" {
		t.Fatalf("DependentsToSkip(a) = %v, want [b c]", skip)
	}
}

