// Package ipc carries the control socket the CLI talks to: a unix
// stream socket with a line-oriented request protocol and NUL-terminated
// responses.
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Listen binds the control socket, replacing a stale one left behind by
// a crash. The socket is owner-only; access control is file permission
// based.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ipc socket dir: %w", err)
	}
	// A live listener refuses the address; only remove it when dead.
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return nil, fmt.Errorf("ipc socket %s already in use", path)
	}
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc socket permissions: %w", err)
	}
	return ln, nil
}

func Dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
