// Package listener opens the webhook listener, preferring a socket handed
// over by the service manager (LISTEN_PID/LISTEN_FDS) over binding one.
package listener

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first inherited descriptor after stdin, stdout and stderr
const firstFD = 3

// Open returns the inherited listener when one was passed to this process and
// binds addr otherwise. The boolean reports whether the socket was inherited.
func Open(addr string) (net.Listener, bool, error) {
	n, err := inheritedCount(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if n > 0 {
		l, err := fromFD(firstFD)
		if err != nil {
			return nil, false, err
		}
		// Additional sockets are not served.
		for fd := firstFD + 1; fd < firstFD+n; fd++ {
			_ = os.NewFile(uintptr(fd), "unused-socket").Close()
		}

		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
		return l, true, nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return l, false, nil
}

// inheritedCount returns how many sockets were passed to pid
func inheritedCount(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	target, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if target != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
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

func fromFD(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("inherited-socket-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("failed to open inherited fd %d", fd)
	}
	// the listener holds its own duplicate of the descriptor
	defer func() {
		_ = file.Close()
	}()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return l, nil
}
