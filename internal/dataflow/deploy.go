package dataflow

import (
	"context"
	"fmt"
	"time"

	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
	"github.com/dataflowhq/dataflowd/internal/refstore"
)

// Deploy binds pkg to workspace under (packageName, packageVersion):
// persisting the package object, publishing its package ref, and
// initialising (or replacing) the workspace's root tree with every
// declared field unassigned. Workspace lifecycle (create/deploy/remove)
// sits outside the six named Dataflow Engine operations, but a workspace
// must reach this state before dataflowExecute has anything to run.
func Deploy(ctx context.Context, objects *objectstore.Store, refs *refstore.Store, repo, workspace, packageName, packageVersion string, pkg model.PackageObject) (model.WorkspaceState, error) {
	pkgBytes, err := codec.JSON().Encode(pkg)
	if err != nil {
		return model.WorkspaceState{}, fmt.Errorf("encode package: %w", err)
	}
	packageHash, err := objects.Write(ctx, repo, pkgBytes)
	if err != nil {
		return model.WorkspaceState{}, fmt.Errorf("write package object: %w", err)
	}
	if err := refs.Packages().Write(packageName, packageVersion, packageHash); err != nil {
		return model.WorkspaceState{}, fmt.Errorf("publish package ref: %w", err)
	}

	root := emptyTreeForStructure(pkg.Data.Structure)
	rootHash, err := writeTree(ctx, objects, repo, root)
	if err != nil {
		return model.WorkspaceState{}, fmt.Errorf("write initial root tree: %w", err)
	}

	now := time.Now()
	state := model.WorkspaceState{
		PackageName:    packageName,
		PackageVersion: packageVersion,
		PackageHash:    packageHash,
		RootHash:       rootHash,
		DeployedAt:     now,
		RootUpdatedAt:  now,
	}
	if err := refs.Workspaces().Write(workspace, state); err != nil {
		return model.WorkspaceState{}, fmt.Errorf("write workspace state: %w", err)
	}
	return state, nil
}

func emptyTreeForStructure(s model.Structure) model.Tree {
	t := model.NewTree()
	if s.Kind != model.StructureStruct {
		return t
	}
	for _, f := range s.Fields {
		t = t.With(f.Name, model.Unassigned())
	}
	return t
}
