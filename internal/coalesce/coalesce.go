// Package coalesce deduplicates concurrent outbound calls: while a call for
// a given id is in flight, later callers with the same id attach to it
// instead of issuing a duplicate request.
package coalesce

import "golang.org/x/sync/singleflight"

// Group coalesces calls by id. The zero value is ready to use.
type Group[V any] struct {
	sf singleflight.Group
}

// Do runs fn for id unless a call for the same id is already in flight, in
// which case it waits for and returns that call's result. Results are not
// cached once the flight completes.
func (g *Group[V]) Do(id string, fn func() (V, error)) (V, error) {
	v, err, _ := g.sf.Do(id, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}
