package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"causalrl/internal/config"
	"causalrl/internal/stats"
)

const smallConfig = `
environment:
  mode: benchmark
agent:
  hidden: [8]
  epsilon_decay_steps: 50
  buffer_capacity: 200
  target_sync_every: 10
training:
  max_episodes: 2
  max_steps_per_episode: 15
  batch_size: 4
  plateau_patience: 0
  checkpoint_every: 0
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "causalrl.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestTrainEvaluateInspectExport(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)
	artifacts := t.TempDir()
	common := []string{"--config", cfgPath, "--artifacts-dir", artifacts, "--log-level", "error"}

	out, err := runCLI(t, append([]string{"train", "--run-id", "cli-run", "--streams", "2", "--trace"}, common...)...)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !strings.Contains(out, "run completed run_id=cli-run outcome=exhausted streams=2") {
		t.Fatalf("unexpected train output:\n%s", out)
	}
	if !strings.Contains(out, "stream=1 outcome=exhausted episodes=2 steps=30") {
		t.Fatalf("missing stream report:\n%s", out)
	}
	if _, err := os.Stat(stats.DecisionTracePath(artifacts, "cli-run")); err != nil {
		t.Fatalf("expected decision trace: %v", err)
	}

	// every invocation gets a fresh memory store, so evaluation reads the
	// checkpoint file written beside the artifacts
	out, err = runCLI(t, append([]string{"evaluate", "--latest", "--episodes", "2", "--goal=-1000000"}, common...)...)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !strings.Contains(out, "evaluated run_id=cli-run mode=validation episodes=2") {
		t.Fatalf("unexpected evaluate output:\n%s", out)
	}
	if !strings.Contains(out, "resilience_index=") {
		t.Fatalf("expected resilience line:\n%s", out)
	}
	if !strings.Contains(out, "success_runs=2") {
		t.Fatalf("expected both episodes to reach the goal:\n%s", out)
	}
	report, ok, err := stats.ReadEvaluationReport(artifacts, "cli-run")
	if err != nil || !ok {
		t.Fatalf("expected evaluation report; ok=%t err=%v", ok, err)
	}
	if report.Stats.Resilience == nil || report.Stats.Resilience.Episodes != 2 {
		t.Fatalf("expected resilience scores for both episodes: %+v", report.Stats.Resilience)
	}
	if len(report.Episodes) != 2 || report.Episodes[1].Resilience == nil {
		t.Fatalf("expected per-episode resilience in the report: %+v", report.Episodes)
	}

	out, err = runCLI(t, append([]string{"checkpoint", "inspect", "--run-id", "cli-run", "--stream", "1"}, common...)...)
	if err != nil {
		t.Fatalf("checkpoint inspect: %v", err)
	}
	if !strings.Contains(out, "checkpoint id=cli-run#1 episode=2") || !strings.Contains(out, "layers=20x8x6") {
		t.Fatalf("unexpected inspect output:\n%s", out)
	}

	out, err = runCLI(t, append([]string{"runs"}, common...)...)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "run_id=cli-run") || !strings.Contains(out, "streams=2 episodes=4") {
		t.Fatalf("unexpected runs output:\n%s", out)
	}

	exportDir := t.TempDir()
	out, err = runCLI(t, append([]string{"export", "--latest", "--out", exportDir}, common...)...)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported run_id=cli-run") {
		t.Fatalf("unexpected export output:\n%s", out)
	}
	for _, file := range []string{"config.json", "checkpoint-1.json", "evaluation.json", "decisions.jsonl"} {
		if _, err := os.Stat(filepath.Join(exportDir, "cli-run", file)); err != nil {
			t.Fatalf("expected exported %s: %v", file, err)
		}
	}
}

func TestTrainServesMetrics(t *testing.T) {
	cfgPath := writeConfig(t, smallConfig)
	out, err := runCLI(t, "train", "--config", cfgPath, "--artifacts-dir", t.TempDir(),
		"--metrics-addr", "127.0.0.1:0", "--episodes", "1", "--log-level", "error")
	if err != nil {
		t.Fatalf("train with metrics: %v", err)
	}
	if !strings.Contains(out, "run completed") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestExplainCommand(t *testing.T) {
	out, err := runCLI(t, "explain", "--artifacts-dir", t.TempDir(),
		"--action", "increase_safety_stock", "--state", "inventory_level=low,pandemic_severity=high")
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if !strings.Contains(out, "action=increase_safety_stock") || !strings.Contains(out, "outcome=stockout_risk") {
		t.Fatalf("unexpected explain output:\n%s", out)
	}
}

func TestEffectCommand(t *testing.T) {
	out, err := runCLI(t, "effect", "--artifacts-dir", t.TempDir(),
		"--do", "increase_safety_stock=yes", "--outcome", "stockout_risk")
	if err != nil {
		t.Fatalf("effect: %v", err)
	}
	if !strings.Contains(out, "do=increase_safety_stock=yes outcome=stockout_risk") || !strings.Contains(out, "p(low)=") {
		t.Fatalf("unexpected effect output:\n%s", out)
	}

	if _, err := runCLI(t, "effect", "--do", "increase_safety_stock", "--outcome", "stockout_risk"); err == nil {
		t.Fatal("expected malformed --do to fail")
	}
}

func TestInvalidConfigNamesField(t *testing.T) {
	cfgPath := writeConfig(t, "agent:\n  gamma: 3\n")
	_, err := runCLI(t, "config", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "agent.gamma") {
		t.Fatalf("expected agent.gamma error, got %v", err)
	}
}

func TestConfigCommandAppliesProfile(t *testing.T) {
	out, err := runCLI(t, "config", "--profile", "plain-dqn", "--store", "memory")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	var cfg config.Config
	if err := config.Decode([]byte(out), &cfg); err != nil {
		t.Fatalf("decode printed config: %v", err)
	}
	if !cfg.Agent.DisableMasking || cfg.Agent.Shaping != "none" {
		t.Fatalf("profile not applied: masking_disabled=%t shaping=%s", cfg.Agent.DisableMasking, cfg.Agent.Shaping)
	}
}

func TestProfiles(t *testing.T) {
	out, err := runCLI(t, "profiles")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if !strings.HasPrefix(out, "id=causal-additive") {
		t.Fatalf("profiles should be sorted:\n%s", out)
	}

	cfg := config.Default()
	if err := applyProfile(&cfg, "Screened"); err != nil {
		t.Fatalf("apply profile: %v", err)
	}
	if !cfg.Model.ScreenHarmful {
		t.Fatal("expected harm screening enabled")
	}
	if err := applyProfile(&cfg, "missing"); err == nil {
		t.Fatal("expected unknown profile error")
	}
}

func TestUnknownCommand(t *testing.T) {
	if _, err := runCLI(t, "benchmark"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
