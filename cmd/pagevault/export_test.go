package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewExportCmd tests the export command creation.
func TestNewExportCmd(t *testing.T) {
	t.Parallel()

	cmd := NewExportCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "export" {
			t.Errorf("expected use 'export', got %q", cmd.Use)
		}
	})

	t.Run("has config flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("config")
		if flag == nil {
			t.Fatal("expected config flag")
		}
		if flag.Shorthand != "c" {
			t.Errorf("expected shorthand 'c', got %q", flag.Shorthand)
		}
	})

	t.Run("has output flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("output")
		if flag == nil {
			t.Fatal("expected output flag")
		}
		if flag.Shorthand != "o" {
			t.Errorf("expected shorthand 'o', got %q", flag.Shorthand)
		}
	})

	t.Run("has fresh flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("fresh")
		if flag == nil {
			t.Fatal("expected fresh flag")
		}
		if flag.DefValue != "false" {
			t.Errorf("expected default 'false', got %q", flag.DefValue)
		}
	})
}

// TestBuildExportConfig tests configuration layering from file and flags.
func TestBuildExportConfig(t *testing.T) {
	t.Run("flags override config file", func(t *testing.T) {
		dir := t.TempDir()
		configPath := filepath.Join(dir, "pagevault.yaml")
		content := "api:\n  token: file-token\nexport:\n  output_dir: " + filepath.Join(dir, "from-file") + "\n"
		if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}

		cmd := NewExportCmd()
		if err := cmd.Flags().Set("config", configPath); err != nil {
			t.Fatal(err)
		}
		if err := cmd.Flags().Set("output", filepath.Join(dir, "from-flag")); err != nil {
			t.Fatal(err)
		}

		cfg, err := buildExportConfig(cmd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.API.Token != "file-token" {
			t.Errorf("expected token from file, got %q", cfg.API.Token)
		}
		if !strings.HasSuffix(cfg.Export.OutputDir, "from-flag") {
			t.Errorf("expected output from flag, got %q", cfg.Export.OutputDir)
		}
	})

	t.Run("missing token fails validation", func(t *testing.T) {
		t.Setenv("PAGEVAULT_API_TOKEN", "")
		cmd := NewExportCmd()
		if err := cmd.Flags().Set("output", t.TempDir()); err != nil {
			t.Fatal(err)
		}
		if _, err := buildExportConfig(cmd); err == nil {
			t.Error("expected validation error without a token")
		}
	})
}

// TestVersionCmd tests the version command output.
func TestVersionCmd(t *testing.T) {
	t.Parallel()

	cmd := NewVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.Run(cmd, nil)

	if !strings.Contains(buf.String(), "pagevault version") {
		t.Errorf("unexpected version output: %q", buf.String())
	}
}

// TestRootCmd tests subcommand registration.
func TestRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"export", "version"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}
