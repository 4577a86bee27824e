package resolver

import (
	"cmp"
	"iter"
)

// Forest is a disjoint-set forest over tokens of type T. Tokens are interned
// to dense int32 ids on first reference; parent and weight live in slices
// indexed by id.
//
// Find and Union mutate the forest (path compression, reparenting), so a
// Forest is not safe for concurrent use. Callers that share one must
// serialize access.
type Forest[T cmp.Ordered] struct {
	ids     map[T]int32
	tokens  []T
	parent  []int32
	weight  []int32
	classes int
}

// NewForest returns an empty forest.
func NewForest[T cmp.Ordered]() *Forest[T] {
	return &Forest[T]{ids: make(map[T]int32)}
}

// intern returns the id of t, creating a singleton class on first sight.
func (f *Forest[T]) intern(t T) int32 {
	if id, ok := f.ids[t]; ok {
		return id
	}
	id := int32(len(f.tokens))
	f.ids[t] = id
	f.tokens = append(f.tokens, t)
	f.parent = append(f.parent, id)
	f.weight = append(f.weight, 1)
	f.classes++
	return id
}

// root walks from id to its root and points every visited node at it.
func (f *Forest[T]) root(id int32) int32 {
	r := id
	for f.parent[r] != r {
		r = f.parent[r]
	}
	for id != r {
		next := f.parent[id]
		f.parent[id] = r
		id = next
	}
	return r
}

// Find returns the representative of t's class. Unknown tokens become their
// own singleton class.
func (f *Forest[T]) Find(t T) T {
	return f.tokens[f.root(f.intern(t))]
}

// Union merges the classes of all given tokens and returns the surviving
// representative. The root with the largest weight survives; on equal
// weights the greater token wins. Every other root is attached directly to
// the survivor.
func (f *Forest[T]) Union(a, b T, rest ...T) T {
	roots := make([]int32, 0, 2+len(rest))
	roots = append(roots, f.root(f.intern(a)), f.root(f.intern(b)))
	for _, t := range rest {
		roots = append(roots, f.root(f.intern(t)))
	}

	survivor := roots[0]
	for _, r := range roots[1:] {
		if f.heavier(r, survivor) {
			survivor = r
		}
	}

	for _, r := range roots {
		// a root listed twice was already absorbed on its first occurrence
		if r == survivor || f.parent[r] != r {
			continue
		}
		f.parent[r] = survivor
		f.weight[survivor] += f.weight[r]
		f.classes--
	}
	return f.tokens[survivor]
}

func (f *Forest[T]) heavier(x, y int32) bool {
	if f.weight[x] != f.weight[y] {
		return f.weight[x] > f.weight[y]
	}
	return f.tokens[x] > f.tokens[y]
}

// Members yields every token ever referenced, in first-seen order.
func (f *Forest[T]) Members() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, t := range f.tokens {
			if !yield(t) {
				return
			}
		}
	}
}

// Contains reports whether t has been referenced, without creating it.
func (f *Forest[T]) Contains(t T) bool {
	_, ok := f.ids[t]
	return ok
}

// Weight returns the size of t's class.
func (f *Forest[T]) Weight(t T) int {
	return int(f.weight[f.root(f.intern(t))])
}

// Len returns the number of distinct tokens.
func (f *Forest[T]) Len() int {
	return len(f.tokens)
}

// Classes returns the number of distinct equivalence classes.
func (f *Forest[T]) Classes() int {
	return f.classes
}
