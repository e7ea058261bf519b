package logging

import (
	"context"
	"os"
	"testing"
)

func TestInitializeLevels(t *testing.T) {
	cases := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"error", ERROR},
		{"FATAL", FATAL},
		{"bogus", INFO}, // unknown levels fall back to INFO
	}

	for _, tc := range cases {
		if err := Initialize(tc.input); err != nil {
			t.Fatalf("Initialize(%q) returned error: %v", tc.input, err)
		}
		if globalLogger.level != tc.want {
			t.Errorf("Initialize(%q): level = %v, want %v", tc.input, globalLogger.level, tc.want)
		}
	}
}

func TestShouldLogRespectsLevel(t *testing.T) {
	logger := &Logger{level: WARN, name: "test"}

	if logger.shouldLog(DEBUG) {
		t.Error("DEBUG should not be logged at WARN level")
	}
	if logger.shouldLog(INFO) {
		t.Error("INFO should not be logged at WARN level")
	}
	if !logger.shouldLog(WARN) {
		t.Error("WARN should be logged at WARN level")
	}
	if !logger.shouldLog(ERROR) {
		t.Error("ERROR should be logged at WARN level")
	}
}

func TestPackageLogLevelOverrides(t *testing.T) {
	defer func() { _ = SetPackageLogLevels(nil) }()

	err := SetPackageLogLevels(map[string]string{
		"worker.parser": "debug",
		"worker.*":      "warn",
		"queue":         "error",
	})
	if err != nil {
		t.Fatalf("SetPackageLogLevels failed: %v", err)
	}

	// Exact match wins over wildcard.
	if got := GetPackageLogLevel("worker.parser"); got != DEBUG {
		t.Errorf("worker.parser: got %v, want DEBUG", got)
	}
	// Wildcard applies to other subpackages.
	if got := GetPackageLogLevel("worker.detector"); got != WARN {
		t.Errorf("worker.detector: got %v, want WARN", got)
	}
	if got := GetPackageLogLevel("queue"); got != ERROR {
		t.Errorf("queue: got %v, want ERROR", got)
	}
	// Unconfigured packages report no override.
	if got := GetPackageLogLevel("api"); got != LogLevel(-1) {
		t.Errorf("api: got %v, want -1 (no override)", got)
	}
}

func TestSetPackageLogLevelsInvalid(t *testing.T) {
	err := SetPackageLogLevels(map[string]string{"worker": "verbose"})
	if err == nil {
		t.Fatal("expected error for invalid level name")
	}
}

func TestWithFieldReturnsNewLogger(t *testing.T) {
	base := GetLogger("test")
	child := base.WithField("build_id", "b-1")

	if len(base.fields) != 0 {
		t.Errorf("base logger fields mutated: %v", base.fields)
	}
	if child.fields["build_id"] != "b-1" {
		t.Errorf("child missing field: %v", child.fields)
	}

	grandchild := child.WithField("repo", "acme/app")
	if len(child.fields) != 1 {
		t.Errorf("child fields mutated by grandchild: %v", child.fields)
	}
	if len(grandchild.fields) != 2 {
		t.Errorf("grandchild should carry both fields: %v", grandchild.fields)
	}
}

func TestWithFieldsMerges(t *testing.T) {
	logger := GetLogger("test").WithFields(
		Field("a", 1),
		Field("b", 2),
	).WithFields(
		Field("b", 3), // later value wins
	)

	if logger.fields["a"] != 1 || logger.fields["b"] != 3 {
		t.Errorf("unexpected fields: %v", logger.fields)
	}
}

func TestExtractContextFields(t *testing.T) {
	if got := extractContextFields(nil); got != nil {
		t.Errorf("nil context should yield nil fields, got %v", got)
	}

	ctx := context.Background()
	if got := extractContextFields(ctx); got != nil {
		t.Errorf("empty context should yield nil fields, got %v", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	ctx = WithBuildID(ctx, "build-456")

	fields := extractContextFields(ctx)
	if fields["request_id"] != "req-123" || fields["build_id"] != "build-456" {
		t.Errorf("unexpected context fields: %v", fields)
	}
}

func TestCloneFields(t *testing.T) {
	src := map[string]interface{}{"k": "v"}
	dst := cloneFields(src)
	dst["k2"] = "v2"

	if _, ok := src["k2"]; ok {
		t.Error("cloneFields must not alias the source map")
	}
	if cloneFields(nil) == nil {
		t.Error("cloneFields(nil) should return an empty map, not nil")
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	exitCode := -1
	exitFunc = func(code int) { exitCode = code }
	defer func() { exitFunc = os.Exit }()

	logger := &Logger{level: DEBUG, name: "test"}
	logger.Fatal("boom")

	if exitCode != 1 {
		t.Errorf("Fatal should exit with code 1, got %d", exitCode)
	}
}
