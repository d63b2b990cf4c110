package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/crozzbite/phylactery/pkg/tooling"
)

// builtinHandlers backs the default tool catalog with local implementations.
// Path handlers resolve against the workspace root and refuse to leave it;
// the risk engine blocks escapes earlier, this is the second fence.
func builtinHandlers(workspaceRoot string) map[string]tooling.Handler {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		root = workspaceRoot
	}

	resolve := func(path string) (string, error) {
		p := path
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q outside workspace", path)
		}
		return p, nil
	}

	return map[string]tooling.Handler{
		"fs.read": func(_ context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			resolved, err := resolve(path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(resolved)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		"fs.write": func(_ context.Context, args map[string]any) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			resolved, err := resolve(path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o750); err != nil {
				return "", err
			}
			if err := os.WriteFile(resolved, []byte(content), 0o640); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
		"mail.send": func(_ context.Context, args map[string]any) (string, error) {
			to, _ := args["to"].(string)
			return "queued email to " + to, nil
		},
		"debug.echo": func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}
