package procident

import (
	"fmt"
	"os"
	"strings"
)

// pidStartTime reads the process start-time field (field 22, jiffies since
// boot) from /proc/<pid>/stat, which is monotonic within one boot and
// reused only after pid wraparound on the same boot, making (pid,
// start-time, boot id) a reliable "is this still the same process" check.
func pidStartTime(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	// Fields after the process name (which may itself contain spaces and is
	// wrapped in parens) are space separated; start with the last ')'.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return "", fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(s[idx+2:])
	// After the ")" token: field 3 is state, ..., field 22 overall is
	// starttime, i.e. fields[19] in this 0-indexed slice (22-3=19).
	const startTimeIdx = 19
	if len(fields) <= startTimeIdx {
		return "", fmt.Errorf("short /proc/%d/stat", pid)
	}
	return fields[startTimeIdx], nil
}

// bootID reads the kernel/systemd machine boot id, falling back between the
// two conventional sources.
func bootID() (string, error) {
	for _, path := range []string{"/proc/sys/kernel/random/boot_id", "/etc/machine-id"} {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}
	return "", fmt.Errorf("no boot id source available")
}
