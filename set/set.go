// Package set provides a minimal generic set.
package set

type Set[T comparable] struct {
	set map[T]struct{}
}

func New[T comparable]() *Set[T] {
	return &Set[T]{set: make(map[T]struct{})}
}

// Insert adds k and reports whether it was not already present.
func (s *Set[T]) Insert(k T) bool {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	if _, ok := s.set[k]; ok {
		return false
	}
	s.set[k] = struct{}{}
	return true
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}

func (s *Set[T]) Len() int {
	return len(s.set)
}
