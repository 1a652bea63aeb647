package audio

// Drain discards values from ch until it is closed, letting a producer that
// still holds ch finish without blocking.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
