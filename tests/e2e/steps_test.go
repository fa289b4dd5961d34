package e2e

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/mrsinham/dicomharvest/internal/testsupport"
)

// binaryPath holds the path to the compiled binary (set once in TestMain)
var binaryPath string

// testContext holds state for a single scenario
type testContext struct {
	tmpDir      string
	patientsDir string
	criteria    string
	exitCode    int
	output      string
}

// buildBinary compiles the dicomharvest binary once
func buildBinary() (string, error) {
	tmpFile, err := os.CreateTemp("", "dicomharvest-test-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpFile.Close()

	// Get the directory of this test file to find the project root
	_, thisFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")

	cmd := exec.Command("go", "build", "-o", tmpFile.Name(), "./cmd/dicomharvest")
	cmd.Dir = projectRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build failed: %w\n%s", err, stderr.String())
	}

	return tmpFile.Name(), nil
}

// TestMain compiles the binary once before running all tests
func TestMain(m *testing.M) {
	var err error
	binaryPath, err = buildBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build binary: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(binaryPath)

	code := m.Run()
	os.Exit(code)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &testContext{}

	// Setup: create temp directory before each scenario
	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "dicomharvest-e2e-*")
		if err != nil {
			return ctx, err
		}
		tc.tmpDir = tmpDir
		return ctx, nil
	})

	// Teardown: cleanup temp directory after each scenario
	sc.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if tc.tmpDir != "" {
			os.RemoveAll(tc.tmpDir)
		}
		return ctx, nil
	})

	// Step definitions
	sc.Step(`^dicomharvest is built$`, tc.dicomharvestIsBuilt)
	sc.Step(`^a patients directory with (\d+) patients of (\d+) slices each$`, tc.aPatientsDirectory)
	sc.Step(`^an existing file at "([^"]*)"$`, tc.anExistingFile)
	sc.Step(`^a criteria file accepting only "([^"]*)"$`, tc.aCriteriaFile)
	sc.Step(`^I run dicomharvest with "([^"]*)"$`, tc.iRunDicomharvestWith)
	sc.Step(`^the exit code should be (\d+)$`, tc.theExitCodeShouldBe)
	sc.Step(`^the output should contain "([^"]*)"$`, tc.theOutputShouldContain)
	sc.Step(`^"([^"]*)" should exist$`, tc.shouldExist)
}

func (tc *testContext) dicomharvestIsBuilt() error {
	if binaryPath == "" {
		return fmt.Errorf("binary not built")
	}
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		return fmt.Errorf("binary does not exist at %s", binaryPath)
	}
	return nil
}

func (tc *testContext) aPatientsDirectory(patients, slices int) error {
	root := filepath.Join(tc.tmpDir, "patients")
	for i := 1; i <= patients; i++ {
		dir := filepath.Join(root, fmt.Sprintf("Patient%d", i))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		_, err := testsupport.CreateImageSeries(dir, testsupport.SeriesSpec{
			PatientID:   fmt.Sprintf("PID%03d", i),
			SeriesUID:   fmt.Sprintf("1.2.3.%d", i),
			Description: "CT PLAIN",
			Slices:      slices,
			Rows:        8,
			Cols:        8,
		})
		if err != nil {
			return fmt.Errorf("forge patient %d: %w", i, err)
		}
	}
	tc.patientsDir = root
	return nil
}

func (tc *testContext) anExistingFile(path string) error {
	return os.WriteFile(tc.expand(path), []byte("placeholder"), 0644)
}

func (tc *testContext) aCriteriaFile(description string) error {
	path := filepath.Join(tc.tmpDir, "criteria.yaml")
	content := fmt.Sprintf("CT:\n  - %s\n", description)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return err
	}
	tc.criteria = path
	return nil
}

func (tc *testContext) iRunDicomharvestWith(args string) error {
	argList := splitArgs(tc.expand(args))

	cmd := exec.Command(binaryPath, argList...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	tc.output = output.String()

	if exitErr, ok := err.(*exec.ExitError); ok {
		tc.exitCode = exitErr.ExitCode()
	} else if err != nil {
		return fmt.Errorf("failed to run command: %w", err)
	} else {
		tc.exitCode = 0
	}

	return nil
}

func (tc *testContext) theExitCodeShouldBe(expected int) error {
	if tc.exitCode != expected {
		return fmt.Errorf("expected exit code %d, got %d\nOutput:\n%s", expected, tc.exitCode, tc.output)
	}
	return nil
}

func (tc *testContext) theOutputShouldContain(expected string) error {
	if !strings.Contains(tc.output, expected) {
		return fmt.Errorf("output does not contain %q\nOutput:\n%s", expected, tc.output)
	}
	return nil
}

func (tc *testContext) shouldExist(path string) error {
	path = tc.expand(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("path does not exist: %s", path)
	}
	return nil
}

// expand substitutes the scenario placeholders into a step argument.
func (tc *testContext) expand(s string) string {
	s = strings.ReplaceAll(s, "{tmpdir}", tc.tmpDir)
	s = strings.ReplaceAll(s, "{patients}", tc.patientsDir)
	s = strings.ReplaceAll(s, "{criteria}", tc.criteria)
	return s
}

// splitArgs splits a command line string into arguments
func splitArgs(s string) []string {
	var args []string
	var current strings.Builder
	inQuote := false

	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		args = append(args, current.String())
	}
	return args
}
