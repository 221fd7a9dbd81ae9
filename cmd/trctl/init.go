package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/taskrouter/internal/config"
)

var forceInit bool

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite existing files")
}

// initCmd writes starter files
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config and catalog",
	Long: `Write a starter config.yaml and catalog.yaml into
~/.config/taskrouter/. Existing files are left alone unless --force is given.
Both files are created with 0600 permissions, which taskrouterd requires.

Examples:
  # Create starter files
  trctl init

  # Overwrite existing files
  trctl init --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

const starterCatalog = `version: "1"

intents:
  - name: document_edit
    domain: documents
    target_capability_hint: generate patch design
    output_format: [patch]
    depth: Intermediate
    description: edit or patch an existing document

capabilities:
  - capability_name: generate_patch_design
    agent_id: editor
    input_type: text
    output_type: patch
    description: draft a patch for a document
  - capability_name: apply_patch
    agent_id: editor
    input_type: patch
    output_type: document

agents:
  - agent_id: editor
    transport: http
    url: http://localhost:8080
    timeout: 5s

policies:
  - id: confirm-apply
    scope: ["editor/apply_patch"]
    effect: confirm
    risk_level: mid
    reason: applying patches changes documents

callers:
  - id: "*"
    allowed_agents: [editor]
`

const starterConfig = `server:
  host: localhost
  port: 9191

logging:
  level: info
  format: console

embeddings:
  provider: fastembed

vectorstore:
  provider: chromem

llm:
  provider: none

catalog:
  path: %s
  watch: true

pipeline:
  auto_dispatch: true
`

func runInit(cmd *cobra.Command, args []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "taskrouter")
	catalogPath := filepath.Join(dir, "catalog.yaml")

	files := []struct {
		path    string
		content string
	}{
		{filepath.Join(dir, "config.yaml"), fmt.Sprintf(starterConfig, catalogPath)},
		{catalogPath, starterCatalog},
	}
	for _, f := range files {
		written, err := writeStarter(f.path, f.content, forceInit)
		if err != nil {
			return err
		}
		if written {
			cmd.Printf("Wrote %s\n", f.path)
		} else {
			cmd.Printf("Kept existing %s (use --force to overwrite)\n", f.path)
		}
	}
	return nil
}

func writeStarter(path, content string, force bool) (bool, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	// O_TRUNC keeps the old mode of an existing file.
	if err := f.Chmod(0600); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return true, f.Close()
}
