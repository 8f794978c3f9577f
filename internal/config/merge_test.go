package config

import (
	"reflect"
	"testing"
)

func TestMerge_UserWinsAtLeaves(t *testing.T) {
	base := map[string]any{
		"server": map[string]any{"bind_addr": "127.0.0.1:9443", "log_level": "info"},
		"cron":   map[string]any{"tick_seconds": float64(10)},
	}
	override := map[string]any{
		"server": map[string]any{"log_level": "debug"},
	}
	got := Merge(base, override)

	server := got["server"].(map[string]any)
	if server["log_level"] != "debug" {
		t.Fatalf("log_level = %v, want debug", server["log_level"])
	}
	if server["bind_addr"] != "127.0.0.1:9443" {
		t.Fatalf("bind_addr lost in merge: %v", server["bind_addr"])
	}
	if _, ok := got["cron"]; !ok {
		t.Fatal("untouched section dropped")
	}

	// Inputs untouched.
	if base["server"].(map[string]any)["log_level"] != "info" {
		t.Fatal("Merge mutated base")
	}
}

func TestMergePatch(t *testing.T) {
	target := map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{"model": "openai/gpt-4.1", "system_prompt": "hi"},
		},
		"cron": map[string]any{"enabled": true},
	}
	patch := map[string]any{
		"agents": map[string]any{
			"defaults": map[string]any{"model": "anthropic/x"},
		},
		"cron": nil,
	}
	got := MergePatch(target, patch).(map[string]any)

	defaults := got["agents"].(map[string]any)["defaults"].(map[string]any)
	if defaults["model"] != "anthropic/x" {
		t.Fatalf("model = %v", defaults["model"])
	}
	if defaults["system_prompt"] != "hi" {
		t.Fatalf("sibling leaf lost: %v", defaults)
	}
	if _, ok := got["cron"]; ok {
		t.Fatal("null did not delete cron")
	}
}

func TestMergePatch_ScalarReplacesObject(t *testing.T) {
	got := MergePatch(map[string]any{"a": map[string]any{"b": 1}}, map[string]any{"a": "flat"})
	want := map[string]any{"a": "flat"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
