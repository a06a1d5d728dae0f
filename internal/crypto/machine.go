package crypto

import (
	"os"
	"runtime"
	"strings"
)

// machineIDFiles are read in order on Linux.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns a platform-specific identifier used as the secret for
// credentials at rest. An explicit override takes precedence.
func MachineID(override string) string {
	if override != "" {
		return override
	}
	if runtime.GOOS == "linux" {
		for _, path := range machineIDFiles {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "linux:" + id
				}
			}
		}
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "tasksync-default"
	}
	return runtime.GOOS + ":" + hostname
}
