package dataflow

import (
	"context"
	"fmt"

	"github.com/dataflowhq/dataflowd/internal/apperr"
	"github.com/dataflowhq/dataflowd/internal/codec"
	"github.com/dataflowhq/dataflowd/internal/model"
	"github.com/dataflowhq/dataflowd/internal/objectstore"
)

func readTree(ctx context.Context, objects *objectstore.Store, repo string, h model.Hash) (model.Tree, error) {
	if h == "" {
		return model.NewTree(), nil
	}
	b, err := objects.Read(ctx, repo, h)
	if err != nil {
		return model.Tree{}, fmt.Errorf("read tree %s: %w", h, err)
	}
	var t model.Tree
	if err := codec.JSON().Decode(b, &t); err != nil {
		return model.Tree{}, fmt.Errorf("decode tree %s: %w", h, err)
	}
	return t, nil
}

func writeTree(ctx context.Context, objects *objectstore.Store, repo string, t model.Tree) (model.Hash, error) {
	b, err := codec.JSON().Encode(t)
	if err != nil {
		return "", fmt.Errorf("encode tree: %w", err)
	}
	h, err := objects.Write(ctx, repo, b)
	if err != nil {
		return "", fmt.Errorf("write tree: %w", err)
	}
	return h, nil
}

// resolvePath walks path from the workspace root, returning the DataRef at
// its leaf. A missing intermediate tree (unassigned interior) resolves the
// whole path to Unassigned; a leaf that is itself a tree() ref is a
// structural violation.
func resolvePath(ctx context.Context, objects *objectstore.Store, repo string, rootHash model.Hash, path model.TreePath) (model.DataRef, error) {
	cur := rootHash
	for i, seg := range path {
		t, err := readTree(ctx, objects, repo, cur)
		if err != nil {
			return model.DataRef{}, err
		}
		ref, ok := t.Get(seg.Field)
		if !ok {
			return model.Unassigned(), nil
		}
		if i == len(path)-1 {
			if ref.Kind == model.RefTree {
				return model.DataRef{}, &model.ErrStructuralViolation{Path: path}
			}
			return ref, nil
		}
		if ref.Kind != model.RefTree {
			return model.Unassigned(), nil
		}
		cur = ref.Hash
	}
	return model.Unassigned(), nil
}

// copyPathToRoot rewrites the spine of trees from path's leaf up to the
// root, setting the leaf to newRef, and returns the new root Hash. Every
// sibling subtree along the way is reused untouched (structural sharing):
// only the O(depth) trees on the spine are re-encoded and rewritten.
func copyPathToRoot(ctx context.Context, objects *objectstore.Store, repo string, rootHash model.Hash, path model.TreePath, newRef model.DataRef) (model.Hash, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("copy-path-to-root: %w", apperr.ErrInvalidState)
	}
	return rewrite(ctx, objects, repo, rootHash, path, newRef)
}

func rewrite(ctx context.Context, objects *objectstore.Store, repo string, curHash model.Hash, path model.TreePath, newRef model.DataRef) (model.Hash, error) {
	t, err := readTree(ctx, objects, repo, curHash)
	if err != nil {
		return "", err
	}
	seg := path[0]
	if len(path) == 1 {
		return writeTree(ctx, objects, repo, t.With(seg.Field, newRef))
	}
	childHash := model.Hash("")
	if existing, ok := t.Get(seg.Field); ok && existing.Kind == model.RefTree {
		childHash = existing.Hash
	}
	newChildHash, err := rewrite(ctx, objects, repo, childHash, path[1:], newRef)
	if err != nil {
		return "", err
	}
	return writeTree(ctx, objects, repo, t.With(seg.Field, model.TreeRef(newChildHash)))
}
