package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TaskResolver turns a client-supplied task name into an executable path.
// A name beginning with "/" is used verbatim with no existence check,
// otherwise each directory of the search path is probed in order for a
// directory entry of the exact name. There is no glob matching and no
// executable-bit check; a non-executable match simply fails at spawn time.
type TaskResolver struct {
	dirs []string
}

// NewTaskResolver builds a resolver over dirs, searched in order.
func NewTaskResolver(searchPath string) *TaskResolver {
	var dirs []string
	for _, d := range strings.Split(searchPath, ":") {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return &TaskResolver{dirs: dirs}
}

// Resolve returns the path to exec for name.
func (r *TaskResolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrTaskNotFound)
	}
	if strings.HasPrefix(name, "/") {
		return name, nil
	}
	for _, dir := range r.dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTaskNotFound, name)
}
