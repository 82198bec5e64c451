package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "chat", "conversation", "task", "checkpoint"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathEnvFallback(t *testing.T) {
	t.Setenv("EVENTIC_CONFIG", "/etc/eventic/custom.yaml")
	if got := resolveConfigPath(defaultConfigFile); got != "/etc/eventic/custom.yaml" {
		t.Fatalf("resolveConfigPath = %q", got)
	}
	if got := resolveConfigPath("explicit.yaml"); got != "explicit.yaml" {
		t.Fatalf("explicit flag overridden: %q", got)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		":8321":                 "http://127.0.0.1:8321",
		"0.0.0.0:8321":          "http://127.0.0.1:8321",
		"10.1.2.3:9000":         "http://10.1.2.3:9000",
		"http://localhost:8321": "http://localhost:8321",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
