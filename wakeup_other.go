//go:build !linux && !darwin

package reactor

func createWakeFd() (int, int, error) { return -1, -1, ErrUnsupportedPlatform }

func writeWakeFd(int) error { return ErrUnsupportedPlatform }

func drainWakeFd(int, []byte) {}

func closeWakeFds(int, int) {}
