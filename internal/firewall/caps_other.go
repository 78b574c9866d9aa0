//go:build !linux

package firewall

import (
	"fmt"
	"runtime"
)

func hasNetAdminImpl() (bool, error) {
	return false, fmt.Errorf("capabilities unsupported on %s", runtime.GOOS)
}
