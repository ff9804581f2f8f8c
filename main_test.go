package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitCreatesVaultAndConfig(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "taskvault.yaml")

	out, err := execute(t, "", "--root", root, "--config", cfgPath, "init")
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	if !strings.Contains(out, "wrote "+cfgPath) {
		t.Errorf("output missing config line:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(root, "Needs_Action")); err != nil {
		t.Errorf("intake dir not created: %v", err)
	}

	out, err = execute(t, "", "--root", root, "--config", cfgPath, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "already initialized") {
		t.Errorf("second init output:\n%s", out)
	}
}

func TestAddWritesTaskToIntake(t *testing.T) {
	root := t.TempDir()

	out, err := execute(t, "", "--root", root, "add", "--title", "Renew domain", "renew the domain before it lapses")
	if err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}

	entries, err := os.ReadDir(filepath.Join(root, "Needs_Action"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "TASK_") {
		t.Fatalf("intake entries = %v", entries)
	}
}

func TestAddReadsStdin(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(t, "summarise the weekly report", "--root", root, "add"); err != nil {
		t.Fatalf("add: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "Needs_Action"))
	if len(entries) != 1 {
		t.Fatalf("intake entries = %d, want 1", len(entries))
	}
}

func TestVerifyEmptyVault(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(t, "", "--root", root, "init"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "", "--root", root, "verify")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(strings.ToUpper(out), "ENTRIES") {
		t.Errorf("verify output missing table header:\n%s", out)
	}
}

func TestErrorsListsNothingOnFreshVault(t *testing.T) {
	root := t.TempDir()
	if _, err := execute(t, "", "--root", root, "init"); err != nil {
		t.Fatal(err)
	}
	if out, err := execute(t, "", "--root", root, "errors", "--all"); err != nil {
		t.Fatalf("errors: %v\n%s", err, out)
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, ":8787", "abc")
	want := "feed: ws://localhost:8787/ws?token=abc\n"
	if buf.String() != want {
		t.Errorf("banner = %q, want %q", buf.String(), want)
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("system"); got != "system" {
		t.Errorf("shortID = %q", got)
	}
}
