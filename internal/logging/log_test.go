package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Str("k", "v").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "hello" {
		t.Fatalf("entry[message] = %v, want %q", entry["message"], "hello")
	}
	if entry["k"] != "v" {
		t.Fatalf("entry[k] = %v, want %q", entry["k"], "v")
	}
}

func TestInit_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: false, Output: &buf})

	Logger.Info().Msg("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("console output = %q, want it to contain %q", buf.String(), "hello")
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be filtered")
	Logger.Warn().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Fatalf("info-level message leaked through a warn-level filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn-level message missing: %q", out)
	}
}

func TestInit_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: Level("bogus"), JSONOutput: true, Output: &buf})

	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("global level = %v, want InfoLevel for an unrecognized Level value", zerolog.GlobalLevel())
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("dispatcher").Info().Msg("tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["component"] != "dispatcher" {
		t.Fatalf("entry[component] = %v, want %q", entry["component"], "dispatcher")
	}
}

func TestWithWorkUnit(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithWorkUnit(42, "build.fingerprint").Info().Msg("running")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["work_unit_id"] != float64(42) {
		t.Fatalf("entry[work_unit_id] = %v, want 42", entry["work_unit_id"])
	}
	if entry["payload_type"] != "build.fingerprint" {
		t.Fatalf("entry[payload_type] = %v, want %q", entry["payload_type"], "build.fingerprint")
	}
}

func TestWithNode(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithNode("worker-1").Info().Msg("leasing")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}
	if entry["node"] != "worker-1" {
		t.Fatalf("entry[node] = %v, want %q", entry["node"], "worker-1")
	}
}
