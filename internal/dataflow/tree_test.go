package dataflow

import (
	"context"
	"testing"

	"github.com/dataflowhq/dataflowd/internal/model"
)

func TestResolvePathUnassignedOnEmptyRoot(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)

	ref, err := resolvePath(ctx, objects, "repo", "", model.FieldPath("a"))
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if !ref.IsUnassigned() {
		t.Fatalf("resolvePath on empty root = %+v, want Unassigned", ref)
	}
}

func TestCopyPathToRootThenResolveRoundtrips(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)

	root, err := copyPathToRoot(ctx, objects, "repo", "", model.FieldPath("a"), model.Value("hash-a"))
	if err != nil {
		t.Fatalf("copyPathToRoot: %v", err)
	}
	ref, err := resolvePath(ctx, objects, "repo", root, model.FieldPath("a"))
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if ref.Kind != model.RefValue || ref.Hash != "hash-a" {
		t.Fatalf("resolvePath(a) = %+v, want Value(hash-a)", ref)
	}
}

func TestCopyPathToRootPreservesSiblingsViaStructuralSharing(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)

	root, err := copyPathToRoot(ctx, objects, "repo", "", model.FieldPath("a"), model.Value("hash-a"))
	if err != nil {
		t.Fatalf("copyPathToRoot(a): %v", err)
	}
	root, err = copyPathToRoot(ctx, objects, "repo", root, model.FieldPath("b"), model.Value("hash-b"))
	if err != nil {
		t.Fatalf("copyPathToRoot(b): %v", err)
	}

	refA, err := resolvePath(ctx, objects, "repo", root, model.FieldPath("a"))
	if err != nil || refA.Hash != "hash-a" {
		t.Fatalf("resolvePath(a) after writing b = %+v, %v, want unchanged hash-a", refA, err)
	}
	refB, err := resolvePath(ctx, objects, "repo", root, model.FieldPath("b"))
	if err != nil || refB.Hash != "hash-b" {
		t.Fatalf("resolvePath(b) = %+v, %v, want hash-b", refB, err)
	}
}

func TestCopyPathToRootNestedPathCreatesIntermediateTree(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)

	root, err := copyPathToRoot(ctx, objects, "repo", "", model.FieldPath("parent", "child"), model.Value("hash-leaf"))
	if err != nil {
		t.Fatalf("copyPathToRoot: %v", err)
	}
	ref, err := resolvePath(ctx, objects, "repo", root, model.FieldPath("parent", "child"))
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if ref.Hash != "hash-leaf" {
		t.Fatalf("resolvePath(parent.child) = %+v, want hash-leaf", ref)
	}
}

func TestResolvePathStructuralViolationWhenLeafIsATree(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)

	root, err := copyPathToRoot(ctx, objects, "repo", "", model.FieldPath("parent", "child"), model.Value("hash-leaf"))
	if err != nil {
		t.Fatalf("copyPathToRoot: %v", err)
	}

	// "parent" itself is a tree ref, not a leaf; resolving it as a leaf path
	// must be reported as a structural violation.
	_, err = resolvePath(ctx, objects, "repo", root, model.FieldPath("parent"))
	var sv *model.ErrStructuralViolation
	if err == nil {
		t.Fatalf("expected a structural violation error")
	}
	if !asStructuralViolation(err, &sv) {
		t.Fatalf("resolvePath error = %v, want *model.ErrStructuralViolation", err)
	}
}

func asStructuralViolation(err error, target **model.ErrStructuralViolation) bool {
	sv, ok := err.(*model.ErrStructuralViolation)
	if ok {
		*target = sv
	}
	return ok
}

func TestCopyPathToRootRejectsEmptyPath(t *testing.T) {
	ctx := context.Background()
	objects := newTestObjects(t)

	if _, err := copyPathToRoot(ctx, objects, "repo", "", model.TreePath{}, model.Value("x")); err == nil {
		t.Fatalf("expected an error for an empty path")
	}
}
