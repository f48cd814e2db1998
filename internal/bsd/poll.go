package bsd

import "time"

// PollMixed composes real-stack readiness with virtual readiness events
// over a shared timeout (spec §4.12, §9 Open Question 3): the descriptor
// set is split into real and virtual subsets; the real subset is polled
// with a zero/short timeout alongside a direct check of each virtual
// socket's readiness, repeating until the shared timeout elapses or any
// fd is ready.
func (in *Interceptor) PollMixed(fds []int, timeout time.Duration) ([]int, error) {
	var real, virtual []int
	for _, fd := range fds {
		if in.registry.IsVirtual(fd) {
			virtual = append(virtual, fd)
		} else {
			real = append(real, fd)
		}
	}

	deadline := time.Now().Add(timeout)
	const pollSlice = 10 * time.Millisecond

	for {
		var readable []int
		for _, fd := range virtual {
			if s, ok := in.registry.Get(fd); ok && s.IsReadable() {
				readable = append(readable, fd)
			}
		}

		slice := pollSlice
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
			if slice < 0 {
				slice = 0
			}
		}

		if len(real) > 0 {
			realReady, err := in.real.Poll(real, int(slice/time.Millisecond))
			if err != nil {
				return nil, err
			}
			readable = append(readable, realReady...)
		} else if slice > 0 {
			time.Sleep(slice)
		}

		if len(readable) > 0 || time.Now().After(deadline) {
			return readable, nil
		}
	}
}
