package subscription

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"clashwatcher/node"
)

// RenderOptions are the daemon-facing knobs embedded into the rendered
// config: where the mixed proxy listens and where the control API lives.
type RenderOptions struct {
	BindAddress        string
	MixedPort          int
	ExternalController string
}

// RenderConfig builds the full daemon config for a pool snapshot. The
// daemon runs in global mode so the active node is driven entirely
// through the control API.
func RenderConfig(pool *node.Pool, opts RenderOptions) ([]byte, error) {
	doc := map[string]interface{}{
		"mode":                "global",
		"log-level":           "warning",
		"bind-address":        opts.BindAddress,
		"mixed-port":          opts.MixedPort,
		"external-controller": opts.ExternalController,
		"proxies":             pool.Nodes,
	}
	return yaml.Marshal(doc)
}

// WriteConfig replaces the daemon config file atomically so a crashed
// write never leaves a half-written config behind.
func WriteConfig(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write daemon config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install daemon config: %w", err)
	}
	return nil
}
