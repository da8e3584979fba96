//go:build !linux && !darwin

package reactor

func newMultiplexer(int, int) (Multiplexer, error) {
	return nil, ErrUnsupportedPlatform
}
