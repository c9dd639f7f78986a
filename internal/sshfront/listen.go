package sshfront

import "syscall"

// setReuseAddr is passed as the net.ListenConfig.Control hook so the
// listening socket is bound with SO_REUSEADDR, per §4.5 ("bind and
// listen on the configured TCP port with address reuse enabled").
func setReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
