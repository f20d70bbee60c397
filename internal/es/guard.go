package es

import "iter"

// AlreadyApplied scans a history newest first and reports whether an event
// matching same occurs before any event matching one of resetBy.
//
//	if es.AlreadyApplied(a.events.IterAllRev(), isFrozen, isUnfrozen) {
//		return idempotent.AlreadyApplied[Frozen](), nil
//	}
//
// With no resetBy predicates any earlier matching event counts.
func AlreadyApplied[E any](rev iter.Seq[E], same func(E) bool, resetBy ...func(E) bool) bool {
	for e := range rev {
		if same(e) {
			return true
		}
		for _, reset := range resetBy {
			if reset(e) {
				return false
			}
		}
	}
	return false
}

// Is returns a predicate matching events of concrete type V.
func Is[V any, E any]() func(E) bool {
	return func(e E) bool {
		_, ok := any(e).(V)
		return ok
	}
}

// Matches returns a predicate matching events of concrete type V for which
// cond holds.
func Matches[V any, E any](cond func(V) bool) func(E) bool {
	return func(e E) bool {
		v, ok := any(e).(V)
		return ok && cond(v)
	}
}
