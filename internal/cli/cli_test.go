package cli

import (
	"bytes"
	"strings"
	"testing"

	"pumpwatch/internal/version"
)

func TestVersionRunsWithoutConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	cfgFile = "/nonexistent/pumpwatch.yaml"
	t.Cleanup(func() {
		cfgFile = ""
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--short"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version 不应加载配置: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != version.Version {
		t.Fatalf("version --short = %q, want %q", got, version.Version)
	}
	if appHandle != nil {
		t.Fatal("version should not build the app")
	}
}

func TestShowFlags(t *testing.T) {
	for _, name := range []string{"limit", "market", "wide"} {
		if showCmd.Flags().Lookup(name) == nil {
			t.Fatalf("show is missing --%s", name)
		}
	}
	if got := showCmd.Flags().Lookup("limit").DefValue; got != "20" {
		t.Fatalf("--limit default = %s", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "catchup", "migrate", "show", "trending", "export", "decode", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %s not registered: %v", name, err)
		}
	}
}
