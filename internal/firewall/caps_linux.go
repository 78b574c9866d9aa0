//go:build linux

package firewall

import "golang.org/x/sys/unix"

func hasNetAdminImpl() (bool, error) {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return false, err
	}
	const capBit = unix.CAP_NET_ADMIN
	return data[capBit/32].Effective&(1<<(capBit%32)) != 0, nil
}
