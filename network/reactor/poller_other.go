//go:build !linux

package reactor

func newPoller() (poller, error) {
	return nil, ErrUnsupportedPlatform
}

func newWakeupFd() (int, error) {
	return -1, ErrUnsupportedPlatform
}

func writeWakeup(int) error { return ErrUnsupportedPlatform }
func readWakeup(int) error  { return ErrUnsupportedPlatform }
func closeFd(int) error     { return ErrUnsupportedPlatform }

func gettid() int { return -1 }
