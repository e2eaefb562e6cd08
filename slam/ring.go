package slam

// Ring holds two buffers: one readable as current while the other is
// written as next. Rotate swaps their roles without copying.
type Ring[T any] struct {
	buffers [2]T
	index   int
}

// NewRing creates a ring whose current buffer is a and next buffer is b
func NewRing[T any](a, b T) *Ring[T] {
	return &Ring[T]{buffers: [2]T{a, b}}
}

// Current returns the buffer readers should use
func (r *Ring[T]) Current() T {
	return r.buffers[r.index]
}

// Next returns the buffer being written
func (r *Ring[T]) Next() T {
	return r.buffers[1-r.index]
}

// Rotate makes next the current buffer
func (r *Ring[T]) Rotate() {
	r.index = 1 - r.index
}
