package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/BaSui01/conductor/types"
)

// Context is the per-workflow shared key/value tree. Keys are dot-separated
// paths (e.g. "stepA.output.text"). Every top-level segment is owned by
// exactly one writer; dependent steps read an owner's subtree only after the
// owner completed, which removes write races by construction rather than by
// locking. The mutex below only guards the map structure itself.
type Context struct {
	workflowID string
	tree       map[string]any
	owners     map[string]string // top-level segment -> owning step id
	mu         sync.RWMutex
}

// NewContext creates an empty context for a workflow.
func NewContext(workflowID string) *Context {
	return &Context{
		workflowID: workflowID,
		tree:       make(map[string]any),
		owners:     make(map[string]string),
	}
}

// WorkflowID returns the owning workflow id.
func (c *Context) WorkflowID() string {
	return c.workflowID
}

// Seed writes initial values before execution starts. Seeded segments are
// owned by the pseudo-writer "init" and cannot be claimed by steps.
func (c *Context) Seed(values map[string]any) error {
	for path, value := range values {
		if err := c.SetAs("init", path, value); err != nil {
			return err
		}
	}
	return nil
}

// Claim reserves a top-level segment for a step. Claiming a segment that
// belongs to another writer is a validation error.
func (c *Context) Claim(segment, stepID string) error {
	if strings.Contains(segment, ".") {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("claim %q: only top-level segments can be claimed", segment))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owners[segment]; ok && owner != stepID {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("segment %q already owned by %s", segment, owner))
	}
	c.owners[segment] = stepID
	return nil
}

// SetAs writes a path on behalf of writer, enforcing single-writer ownership
// of the top-level segment.
func (c *Context) SetAs(writer, path string, value any) error {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return types.NewError(types.ErrValidation, "empty context path")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	owner, claimed := c.owners[segments[0]]
	if !claimed {
		c.owners[segments[0]] = writer
	} else if owner != writer {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("writer %s cannot set %q owned by %s", writer, path, owner))
	}

	node := c.tree
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
	return nil
}

// Get reads a path. Missing paths return a NOT_FOUND error.
func (c *Context) Get(path string) (any, error) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 || segments[0] == "" {
		return nil, types.NewError(types.ErrValidation, "empty context path")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var current any = c.tree
	for _, seg := range segments {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, types.NewError(types.ErrNotFound,
				fmt.Sprintf("context path %q not found", path))
		}
		current, ok = node[seg]
		if !ok {
			return nil, types.NewError(types.ErrNotFound,
				fmt.Sprintf("context path %q not found", path))
		}
	}
	return current, nil
}

// Snapshot returns a deep copy of the tree.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.tree)
}

// Restore replaces the tree with a snapshot. Ownership claims are kept.
func (c *Context) Restore(snapshot map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree = deepCopyMap(snapshot)
}

func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if child, ok := v.(map[string]any); ok {
			dst[k] = deepCopyMap(child)
		} else {
			dst[k] = v
		}
	}
	return dst
}
