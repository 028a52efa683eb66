// Package hypertree implements a red-black tree whose nodes live in a
// fixed-capacity arena and reference each other by handle. Rebalancing
// rewires handle fields only; payloads never move once allocated, so a
// handle returned by Insert stays valid until Remove.
package hypertree

import (
	"errors"
	"fmt"

	"lendex/domain/arena"
)

// ErrInvariantViolation reports a broken red-black or BST property.
// It is fatal: callers must stop mutating the structure.
var ErrInvariantViolation = errors.New("hypertree: invariant violation")

type color uint8

const (
	red   color = 0
	black color = 1
)

// Less orders payloads. It must be a strict weak ordering; ties are
// broken by the caller embedding a unique sequence in the payload.
type Less[P any] func(a, b *P) bool

type node[P any] struct {
	payload P
	left    arena.Handle
	right   arena.Handle
	parent  arena.Handle
	color   color
}

// Tree is a red-black tree over arena slots. The minimum handle is
// cached so the best node is available in O(1) during match walks.
type Tree[P any] struct {
	a    *arena.Arena[node[P]]
	less Less[P]
	root arena.Handle
	min  arena.Handle
	size uint32
}

// New creates an empty tree backed by a fresh arena of the given
// capacity.
func New[P any](capacity uint32, less Less[P]) *Tree[P] {
	return &Tree[P]{
		a:    arena.New[node[P]](capacity),
		less: less,
		root: arena.Nil,
		min:  arena.Nil,
	}
}

func (t *Tree[P]) Size() uint32 { return t.size }
func (t *Tree[P]) Cap() uint32  { return t.a.Cap() }

// Value returns the payload stored at h.
func (t *Tree[P]) Value(h arena.Handle) *P { return &t.a.At(h).payload }

// Has reports whether h addresses a live node.
func (t *Tree[P]) Has(h arena.Handle) bool { return t.a.InUse(h) }

// Insert allocates a slot for the payload and links it into the tree.
// Fails with arena.ErrExhausted when the arena is full; the tree is
// unchanged in that case.
func (t *Tree[P]) Insert(p P) (arena.Handle, error) {
	h, err := t.a.Alloc()
	if err != nil {
		return arena.Nil, err
	}
	n := t.a.At(h)
	n.payload = p
	n.left = arena.Nil
	n.right = arena.Nil
	n.parent = arena.Nil
	n.color = red

	parent := arena.Nil
	cur := t.root
	for cur != arena.Nil {
		parent = cur
		if t.less(&p, t.payload(cur)) {
			cur = t.a.At(cur).left
		} else {
			cur = t.a.At(cur).right
		}
	}
	t.a.At(h).parent = parent
	switch {
	case parent == arena.Nil:
		t.root = h
	case t.less(&p, t.payload(parent)):
		t.a.At(parent).left = h
	default:
		t.a.At(parent).right = h
	}

	if t.min == arena.Nil || t.less(&p, t.payload(t.min)) {
		t.min = h
	}
	t.insertFixup(h)
	t.size++
	return h, nil
}

// Remove unlinks the node at h and frees its slot.
func (t *Tree[P]) Remove(h arena.Handle) {
	if !t.a.InUse(h) {
		panic("hypertree: remove of dead handle")
	}
	if h == t.min {
		t.min = t.Next(h)
	}
	t.deleteNode(h)
	t.a.Free(h)
	t.size--
}

// Min returns the least node, or arena.Nil when empty.
func (t *Tree[P]) Min() arena.Handle { return t.min }

// Max returns the greatest node, or arena.Nil when empty.
func (t *Tree[P]) Max() arena.Handle {
	if t.root == arena.Nil {
		return arena.Nil
	}
	return t.maxFrom(t.root)
}

// Find returns the handle of a node comparing equal to probe, or
// arena.Nil. Absence is an expected outcome, not an error.
func (t *Tree[P]) Find(probe *P) arena.Handle {
	cur := t.root
	for cur != arena.Nil {
		switch {
		case t.less(probe, t.payload(cur)):
			cur = t.a.At(cur).left
		case t.less(t.payload(cur), probe):
			cur = t.a.At(cur).right
		default:
			return cur
		}
	}
	return arena.Nil
}

// Next returns the in-order successor of h, or arena.Nil.
func (t *Tree[P]) Next(h arena.Handle) arena.Handle {
	n := t.a.At(h)
	if n.right != arena.Nil {
		return t.minFrom(n.right)
	}
	p := n.parent
	for p != arena.Nil && h == t.a.At(p).right {
		h = p
		p = t.a.At(p).parent
	}
	return p
}

// Prev returns the in-order predecessor of h, or arena.Nil.
func (t *Tree[P]) Prev(h arena.Handle) arena.Handle {
	n := t.a.At(h)
	if n.left != arena.Nil {
		return t.maxFrom(n.left)
	}
	p := n.parent
	for p != arena.Nil && h == t.a.At(p).left {
		h = p
		p = t.a.At(p).parent
	}
	return p
}

// Ascend walks nodes in order until fn returns false. The caller must
// hold exclusive access for the duration of the walk and must not
// mutate the tree from fn.
func (t *Tree[P]) Ascend(fn func(h arena.Handle, p *P) bool) {
	for h := t.min; h != arena.Nil; h = t.Next(h) {
		if !fn(h, t.payload(h)) {
			return
		}
	}
}

// Clear resets the tree to empty, releasing every slot.
func (t *Tree[P]) Clear() {
	var live []arena.Handle
	t.Ascend(func(h arena.Handle, _ *P) bool {
		live = append(live, h)
		return true
	})
	for _, h := range live {
		t.a.Free(h)
	}
	t.root = arena.Nil
	t.min = arena.Nil
	t.size = 0
}

/******************** internal helpers ********************/

func (t *Tree[P]) payload(h arena.Handle) *P { return &t.a.At(h).payload }

func (t *Tree[P]) colorOf(h arena.Handle) color {
	if h == arena.Nil {
		return black
	}
	return t.a.At(h).color
}

func (t *Tree[P]) setBlack(h arena.Handle) {
	if h != arena.Nil {
		t.a.At(h).color = black
	}
}

func (t *Tree[P]) minFrom(h arena.Handle) arena.Handle {
	for t.a.At(h).left != arena.Nil {
		h = t.a.At(h).left
	}
	return h
}

func (t *Tree[P]) maxFrom(h arena.Handle) arena.Handle {
	for t.a.At(h).right != arena.Nil {
		h = t.a.At(h).right
	}
	return h
}

func (t *Tree[P]) rotateLeft(x arena.Handle) {
	y := t.a.At(x).right
	t.a.At(x).right = t.a.At(y).left
	if t.a.At(y).left != arena.Nil {
		t.a.At(t.a.At(y).left).parent = x
	}
	t.a.At(y).parent = t.a.At(x).parent
	p := t.a.At(x).parent
	switch {
	case p == arena.Nil:
		t.root = y
	case x == t.a.At(p).left:
		t.a.At(p).left = y
	default:
		t.a.At(p).right = y
	}
	t.a.At(y).left = x
	t.a.At(x).parent = y
}

func (t *Tree[P]) rotateRight(y arena.Handle) {
	x := t.a.At(y).left
	t.a.At(y).left = t.a.At(x).right
	if t.a.At(x).right != arena.Nil {
		t.a.At(t.a.At(x).right).parent = y
	}
	t.a.At(x).parent = t.a.At(y).parent
	p := t.a.At(y).parent
	switch {
	case p == arena.Nil:
		t.root = x
	case y == t.a.At(p).right:
		t.a.At(p).right = x
	default:
		t.a.At(p).left = x
	}
	t.a.At(x).right = y
	t.a.At(y).parent = x
}

func (t *Tree[P]) insertFixup(z arena.Handle) {
	for t.colorOf(t.a.At(z).parent) == red {
		p := t.a.At(z).parent
		g := t.a.At(p).parent
		if p == t.a.At(g).left {
			u := t.a.At(g).right
			if t.colorOf(u) == red {
				t.setBlack(p)
				t.setBlack(u)
				t.a.At(g).color = red
				z = g
			} else {
				if z == t.a.At(p).right {
					z = p
					t.rotateLeft(z)
					p = t.a.At(z).parent
					g = t.a.At(p).parent
				}
				t.setBlack(p)
				t.a.At(g).color = red
				t.rotateRight(g)
			}
		} else {
			u := t.a.At(g).left
			if t.colorOf(u) == red {
				t.setBlack(p)
				t.setBlack(u)
				t.a.At(g).color = red
				z = g
			} else {
				if z == t.a.At(p).left {
					z = p
					t.rotateRight(z)
					p = t.a.At(z).parent
					g = t.a.At(p).parent
				}
				t.setBlack(p)
				t.a.At(g).color = red
				t.rotateLeft(g)
			}
		}
	}
	t.setBlack(t.root)
}

// transplant replaces u with v in u's parent. v may be Nil; the
// caller tracks v's effective parent for the fixup.
func (t *Tree[P]) transplant(u, v arena.Handle) {
	p := t.a.At(u).parent
	switch {
	case p == arena.Nil:
		t.root = v
	case u == t.a.At(p).left:
		t.a.At(p).left = v
	default:
		t.a.At(p).right = v
	}
	if v != arena.Nil {
		t.a.At(v).parent = p
	}
}

func (t *Tree[P]) deleteNode(z arena.Handle) {
	y := z
	yColor := t.a.At(y).color
	var x, xParent arena.Handle

	switch {
	case t.a.At(z).left == arena.Nil:
		x = t.a.At(z).right
		xParent = t.a.At(z).parent
		t.transplant(z, x)
	case t.a.At(z).right == arena.Nil:
		x = t.a.At(z).left
		xParent = t.a.At(z).parent
		t.transplant(z, x)
	default:
		y = t.minFrom(t.a.At(z).right)
		yColor = t.a.At(y).color
		x = t.a.At(y).right
		if t.a.At(y).parent == z {
			xParent = y
		} else {
			xParent = t.a.At(y).parent
			t.transplant(y, x)
			t.a.At(y).right = t.a.At(z).right
			t.a.At(t.a.At(y).right).parent = y
		}
		t.transplant(z, y)
		t.a.At(y).left = t.a.At(z).left
		t.a.At(t.a.At(y).left).parent = y
		t.a.At(y).color = t.a.At(z).color
	}

	if yColor == black {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree[P]) deleteFixup(x, xParent arena.Handle) {
	for x != t.root && t.colorOf(x) == black {
		if xParent == arena.Nil {
			break
		}
		if x == t.a.At(xParent).left {
			w := t.a.At(xParent).right
			if t.colorOf(w) == red {
				t.setBlack(w)
				t.a.At(xParent).color = red
				t.rotateLeft(xParent)
				w = t.a.At(xParent).right
			}
			if t.colorOf(t.a.At(w).left) == black && t.colorOf(t.a.At(w).right) == black {
				t.a.At(w).color = red
				x = xParent
				xParent = t.a.At(x).parent
			} else {
				if t.colorOf(t.a.At(w).right) == black {
					t.setBlack(t.a.At(w).left)
					t.a.At(w).color = red
					t.rotateRight(w)
					w = t.a.At(xParent).right
				}
				t.a.At(w).color = t.colorOf(xParent)
				t.setBlack(xParent)
				t.setBlack(t.a.At(w).right)
				t.rotateLeft(xParent)
				x = t.root
				xParent = arena.Nil
			}
		} else {
			w := t.a.At(xParent).left
			if t.colorOf(w) == red {
				t.setBlack(w)
				t.a.At(xParent).color = red
				t.rotateRight(xParent)
				w = t.a.At(xParent).left
			}
			if t.colorOf(t.a.At(w).right) == black && t.colorOf(t.a.At(w).left) == black {
				t.a.At(w).color = red
				x = xParent
				xParent = t.a.At(x).parent
			} else {
				if t.colorOf(t.a.At(w).left) == black {
					t.setBlack(t.a.At(w).right)
					t.a.At(w).color = red
					t.rotateLeft(w)
					w = t.a.At(xParent).left
				}
				t.a.At(w).color = t.colorOf(xParent)
				t.setBlack(xParent)
				t.setBlack(t.a.At(w).left)
				t.rotateRight(xParent)
				x = t.root
				xParent = arena.Nil
			}
		}
	}
	t.setBlack(x)
}

/******************** integrity ********************/

// Validate checks the BST ordering and red-black properties. A non-nil
// result wraps ErrInvariantViolation and means the structure must not
// be mutated further. Link structure is verified first with a bounded
// walk, so Validate terminates even on a corrupt region that encodes a
// link cycle.
func (t *Tree[P]) Validate() error {
	if t.root == arena.Nil {
		if t.min != arena.Nil || t.size != 0 {
			return fmt.Errorf("%w: empty root with cached state", ErrInvariantViolation)
		}
		return nil
	}
	if err := t.checkLinks(); err != nil {
		return err
	}
	if t.colorOf(t.root) != black {
		return fmt.Errorf("%w: red root", ErrInvariantViolation)
	}
	if t.min != t.minFrom(t.root) {
		return fmt.Errorf("%w: cached min is stale", ErrInvariantViolation)
	}
	var prev *P
	ordered := true
	count := uint32(0)
	t.Ascend(func(_ arena.Handle, p *P) bool {
		if prev != nil && t.less(p, prev) {
			ordered = false
			return false
		}
		prev = p
		count++
		return true
	})
	if !ordered {
		return fmt.Errorf("%w: in-order traversal not sorted", ErrInvariantViolation)
	}
	if count != t.size {
		return fmt.Errorf("%w: size %d but traversal saw %d", ErrInvariantViolation, t.size, count)
	}
	if _, err := t.blackHeight(t.root); err != nil {
		return err
	}
	return nil
}

// checkLinks walks the node graph from the root with an explicit
// stack, verifying that every child link points at a live slot whose
// parent field points back. The walk stops after arena-capacity
// visits, so it terminates on any input; a matching parent on every
// edge means each node has at most one parent, which rules out cycles
// and shared subtrees for the traversals that follow.
func (t *Tree[P]) checkLinks() error {
	if !t.a.InUse(t.root) {
		return fmt.Errorf("%w: root handle %d is not a live slot", ErrInvariantViolation, t.root)
	}
	if t.a.At(t.root).parent != arena.Nil {
		return fmt.Errorf("%w: root has a parent", ErrInvariantViolation)
	}
	stack := []arena.Handle{t.root}
	visited := uint32(0)
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited++
		if visited > t.a.Cap() {
			return fmt.Errorf("%w: link cycle", ErrInvariantViolation)
		}
		n := t.a.At(h)
		for _, c := range [2]arena.Handle{n.left, n.right} {
			if c == arena.Nil {
				continue
			}
			if !t.a.InUse(c) {
				return fmt.Errorf("%w: child handle %d of %d is not a live slot", ErrInvariantViolation, c, h)
			}
			if t.a.At(c).parent != h {
				return fmt.Errorf("%w: child %d does not link back to %d", ErrInvariantViolation, c, h)
			}
			stack = append(stack, c)
		}
	}
	return nil
}

func (t *Tree[P]) blackHeight(h arena.Handle) (int, error) {
	if h == arena.Nil {
		return 1, nil
	}
	n := t.a.At(h)
	if n.color == red {
		if t.colorOf(n.left) == red || t.colorOf(n.right) == red {
			return 0, fmt.Errorf("%w: red node with red child", ErrInvariantViolation)
		}
	}
	lh, err := t.blackHeight(n.left)
	if err != nil {
		return 0, err
	}
	rh, err := t.blackHeight(n.right)
	if err != nil {
		return 0, err
	}
	if lh != rh {
		return 0, fmt.Errorf("%w: black height mismatch", ErrInvariantViolation)
	}
	if n.color == black {
		lh++
	}
	return lh, nil
}
