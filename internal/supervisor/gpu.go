package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
)

// availableGPUs resolves a gputil env entry to device ids. The limit
// option caps how many devices are reserved; without one the first
// device is used. No visible GPU is a hard failure for the plugin.
func availableGPUs(options map[string]any) ([]string, error) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=index", "--format=csv,noheader").Output()
	if err != nil {
		return nil, fmt.Errorf("no GPU is available to run this plugin")
	}
	ids := make([]string, 0)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			ids = append(ids, line)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no GPU is available to run this plugin")
	}
	limit := 1
	if v, ok := options["limit"]; ok {
		switch n := v.(type) {
		case int:
			limit = n
		case float64:
			limit = int(n)
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > len(ids) {
		limit = len(ids)
	}
	return ids[:limit], nil
}
