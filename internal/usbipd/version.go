package usbipd

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/wslusb/wslusb/internal/tool"
)

// VersionCache asks usbipd for its version once and remembers the answer,
// including a failure, for the life of the process. The installed tool cannot
// change underneath a running process.
type VersionCache struct {
	runner tool.Runner
	name   string
	get    func() (Version, error)
}

// NewVersionCache returns a cache that runs the tool at path name.
func NewVersionCache(runner tool.Runner, name string) *VersionCache {
	c := &VersionCache{runner: runner, name: name}
	c.get = sync.OnceValues(c.load)
	return c
}

// Get returns the tool version. Concurrent first callers share one
// invocation and all observe the same result.
func (c *VersionCache) Get() (Version, error) {
	return c.get()
}

func (c *VersionCache) load() (Version, error) {
	res, err := c.runner.Run(context.Background(), tool.Command{Name: c.name, Args: VersionArgs()})
	if err != nil {
		return Version{}, fmt.Errorf("usbipd --version: %w", err)
	}
	if !res.Success() {
		return Version{}, &CommandError{Op: string(OpVersion), ExitCode: res.ExitCode, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return ParseVersion(res.Stdout)
}
