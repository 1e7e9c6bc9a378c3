package stack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/deployr/internal/config"
)

// WriteEnvFiles creates the applications' env files when they are missing.
// Existing files belong to the operator and are never touched. It returns
// the paths it wrote.
func WriteEnvFiles(c *config.Config) ([]string, error) {
	files := []struct {
		path string
		body string
	}{
		{filepath.Join(c.BackendDir(), ".env"), backendEnv(c)},
		{filepath.Join(c.FrontendDir(), ".env.production"), frontendEnv(c)},
	}
	var wrote []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Dir(f.path)); err != nil {
			continue
		}
		if _, err := os.Stat(f.path); err == nil {
			continue
		}
		if err := os.WriteFile(f.path, []byte(f.body), 0o600); err != nil {
			return wrote, fmt.Errorf("write %s: %w", f.path, err)
		}
		wrote = append(wrote, f.path)
	}
	return wrote, nil
}

func backendEnv(c *config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATABASE_URL=%q\n", DB(c).URL())
	fmt.Fprintf(&b, "JWT_SECRET=%q\n", c.App.JWTSecret)
	fmt.Fprintf(&b, "PORT=%d\n", c.Ports.Backend)
	fmt.Fprintf(&b, "NODE_ENV=%s\n", c.App.NodeEnv)
	return b.String()
}

func frontendEnv(c *config.Config) string {
	backend := fmt.Sprintf("http://localhost:%d", c.Ports.Backend)
	var b strings.Builder
	b.WriteString("# Backend API\n")
	fmt.Fprintf(&b, "BACKEND_API_URL=%s\n", backend)
	fmt.Fprintf(&b, "NEXT_PUBLIC_API_BASE_URL=%s\n", backend)
	b.WriteString("\n# Agent API (updates)\n")
	fmt.Fprintf(&b, "NEXT_PUBLIC_AGENT_URL=%s\n", c.App.AgentURL)
	b.WriteString("\n# Server\n")
	fmt.Fprintf(&b, "NODE_ENV=%s\n", c.App.NodeEnv)
	fmt.Fprintf(&b, "PORT=%d\n", c.Ports.Frontend)
	return b.String()
}
