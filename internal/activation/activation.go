// Package activation picks up listening sockets handed over by systemd socket
// activation and falls back to binding the configured address.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr)
const firstFD = 3

var activationEnv = []string{"LISTEN_PID", "LISTEN_FDS", "LISTEN_FDNAMES"}

// passedFDs returns how many descriptors systemd passed to this process.
// Zero means the process was not socket-activated.
func passedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Listeners returns the systemd-activated listeners, or nil when the process
// was not socket-activated. The activation variables are removed from the
// environment so child processes such as git do not inherit them.
func Listeners() ([]net.Listener, error) {
	n, err := passedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		l, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}

	for _, key := range activationEnv {
		_ = os.Unsetenv(key)
	}
	return listeners, nil
}

// Listen returns the first socket-activated listener, or a TCP listener on
// addr when the process was not socket-activated. activated reports which
// one was used. Extra activated sockets are closed.
func Listen(addr string) (l net.Listener, activated bool, err error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) > 0 {
		closeAll(listeners[1:])
		return listeners[0], true, nil
	}

	l, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
