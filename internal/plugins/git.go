// Package plugins provisions tool-kind WASM plugins (C7) from a git-hosted
// bundle source, so operators can version and ship plugin binaries the same
// way they version everything else, instead of hand-copying .wasm files
// onto the host.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/nexusgate/nexusgate/internal/agent"
)

// GitSource locates a plugin bundle in a git repository: URL and ref to
// clone, and the subdirectory (relative to the repo root) holding the
// plugin pairs. Dir may be empty to mean the repo root.
type GitSource struct {
	URL string
	Ref string
	Dir string
}

// Bundle is one plugin pair loaded from a GitSource: the ToolDef the agent
// engine advertises plus the compiled module's raw bytes, ready for
// agent.WasmToolSource.Register.
type Bundle struct {
	Def  agent.ToolDef
	Wasm []byte
}

// FetchGitBundles shallow-clones source into a scratch directory under
// workDir (removed before returning) and loads every plugin pair found
// directly under source.Dir: a <name>.wasm module paired with a sibling
// <name>.json holding its ToolDef. A directory with no .wasm files is not
// an error — it just yields no bundles.
func FetchGitBundles(workDir string, source GitSource) ([]Bundle, error) {
	if source.URL == "" {
		return nil, fmt.Errorf("plugins: git source has no URL")
	}

	dest, err := os.MkdirTemp(workDir, "plugin-src-*")
	if err != nil {
		return nil, fmt.Errorf("plugins: scratch dir: %w", err)
	}
	defer os.RemoveAll(dest)

	opts := &git.CloneOptions{URL: source.URL, Depth: 1, SingleBranch: true}
	if source.Ref != "" && source.Ref != "HEAD" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(source.Ref)
	}
	if _, err := git.PlainClone(dest, false, opts); err != nil {
		return nil, fmt.Errorf("plugins: clone %s: %w", source.URL, err)
	}

	root := dest
	if source.Dir != "" {
		root = filepath.Join(dest, source.Dir)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("plugins: read %s: %w", root, err)
	}

	var bundles []Bundle
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".wasm")

		wasmBytes, err := os.ReadFile(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("plugins: read %s: %w", e.Name(), err)
		}

		defBytes, err := os.ReadFile(filepath.Join(root, name+".json"))
		if err != nil {
			return nil, fmt.Errorf("plugins: %s has no matching %s.json tool def: %w", e.Name(), name, err)
		}
		var def agent.ToolDef
		if err := json.Unmarshal(defBytes, &def); err != nil {
			return nil, fmt.Errorf("plugins: decode %s.json: %w", name, err)
		}
		if def.Name == "" {
			def.Name = name
		}

		bundles = append(bundles, Bundle{Def: def, Wasm: wasmBytes})
	}

	return bundles, nil
}
