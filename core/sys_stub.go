//go:build !linux

package core

import "fmt"

// Route mirroring needs rtnetlink; on other platforms the node can only
// run without a kernel backend.
func NewRouteSys(ifName string) (RouteSys, error) {
	return nil, fmt.Errorf("route mirroring is only supported on linux")
}
