package gadget

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var unameOnce = sync.OnceValues(func() (string, string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "Linux", "unknown"
	}
	return cstring(u.Sysname[:]), cstring(u.Release[:])
})

// Manufacturer composes the manufacturer identity string from the host
// system identity and the transport's device controller name, e.g.
// "Linux 6.8.0 with dummy_udc". Computed from a single uname call per
// process.
func Manufacturer(controllerName string) string {
	sysname, release := unameOnce()
	return fmt.Sprintf("%s %s with %s", sysname, release, controllerName)
}

// cstring converts a NUL-terminated utsname field to a Go string.
func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
