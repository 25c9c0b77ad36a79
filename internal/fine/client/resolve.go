package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rfratto/viofs/internal/fine"
)

// ResolveOptions controls Resolve.
type ResolveOptions struct {
	// AllowMissingLast makes a missing final component succeed with Node set
	// to 0, so callers can create it.
	AllowMissingLast bool

	// FollowLast resolves the final component if it is a symlink.
	FollowLast bool
}

// Resolution is the result of walking a path.
type Resolution struct {
	// Node is the resolved node, or 0 if the final component doesn't exist.
	Node fine.Node

	// Parent is the directory holding the final component. Parent and Node
	// are both fine.RootNode for the root itself.
	Parent fine.Node

	// Name is the final component. Empty for the root.
	Name string

	// Attrib of Node. Not set for the root or a missing final component.
	Attrib fine.Attrib
}

// IsRoot reports whether r is the root directory.
func (r Resolution) IsRoot() bool { return r.Node == fine.RootNode && r.Name == "" }

type frame struct {
	node   fine.Node
	name   string
	attrib fine.Attrib
}

// Resolve walks p from the root with one LOOKUP per component. "." is
// skipped and ".." returns to the previous directory without going above
// the root. Symlinks are substituted into the remaining path, at most
// MaxSymlinkDepth times.
//
// On failure the partial Resolution names the directory where the walk
// stopped and the component that failed.
func (s *Session) Resolve(ctx context.Context, p string, o ResolveOptions) (Resolution, error) {
	var (
		comps = SplitPath(p)
		stack = []frame{{node: fine.RootNode}}
		subs  int
	)

	for len(comps) > 0 {
		name := comps[0]
		comps = comps[1:]
		last := len(comps) == 0

		if name == ".." {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		parent := stack[len(stack)-1].node
		ent, err := s.Lookup(ctx, parent, name)
		if err != nil {
			partial := Resolution{Parent: parent, Name: name}
			if last && o.AllowMissingLast && errors.Is(err, fine.ErrorNotExist) {
				return partial, nil
			}
			return partial, fmt.Errorf("lookup %q: %w", name, err)
		}

		if ent.Attrib.Mode&os.ModeSymlink != 0 && (!last || o.FollowLast) {
			subs++
			if subs > s.o.MaxSymlinkDepth {
				return Resolution{Parent: parent, Name: name}, fmt.Errorf("resolving %q: %w", p, fine.ErrorLoop)
			}
			target, err := s.Readlink(ctx, ent.Node)
			if err != nil {
				return Resolution{Parent: parent, Name: name}, fmt.Errorf("readlink %q: %w", name, err)
			}
			if strings.HasPrefix(target, "/") {
				stack = stack[:1]
			}
			comps = append(SplitPath(target), comps...)
			continue
		}

		stack = append(stack, frame{node: ent.Node, name: name, attrib: ent.Attrib})
	}

	top := stack[len(stack)-1]
	if len(stack) == 1 {
		return Resolution{Node: fine.RootNode, Parent: fine.RootNode}, nil
	}
	return Resolution{
		Node:   top.node,
		Parent: stack[len(stack)-2].node,
		Name:   top.name,
		Attrib: top.attrib,
	}, nil
}

// SplitPath splits a host path on "/", dropping empty and "." components.
func SplitPath(p string) []string {
	var comps []string
	for _, c := range strings.Split(p, "/") {
		if c == "" || c == "." {
			continue
		}
		comps = append(comps, c)
	}
	return comps
}
