package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-rtl/checkpoints"
	"github.com/tsawler/go-rtl/engine"
	"github.com/tsawler/go-rtl/layers"
)

// writeModel saves relu(x0 + 2*x1 + 3) as a JSON checkpoint.
func writeModel(t *testing.T, dir string) string {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{2}).
		AddLinear([][]float64{{1}, {2}}, []float64{3}, "fc").
		AddReLU("relu").
		Compile()
	require.NoError(t, err)

	checkpoint, err := checkpoints.NewCheckpoint(model)
	require.NoError(t, err)

	path := filepath.Join(dir, "model.json")
	require.NoError(t, checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(checkpoint, path))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestCompile(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir)
	build := filepath.Join(dir, "build")

	out, err := run(t, "compile", "--model", model, "--out", build, "--inputs", "1,2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "test inputs: [1 2]")

	design, err := os.ReadFile(filepath.Join(build, engine.DesignFile))
	require.NoError(t, err)
	assert.Contains(t, string(design), "module top(")

	tb, err := os.ReadFile(filepath.Join(build, engine.TestBenchFile))
	require.NoError(t, err)
	assert.Contains(t, string(tb), "assign in0 = 1;")
	assert.Contains(t, string(tb), "assign in1 = 2;")
	assert.Contains(t, string(tb), `$fopen("output_files/test_values.txt", "w");`)
}

func TestCompileFixedPoint(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir)

	out, err := run(t, "compile", "-m", model, "-o", dir, "--fixed-point", "--frac-bits", "4", "--result-dir", "sim")
	require.NoError(t, err, out)

	tb, err := os.ReadFile(filepath.Join(dir, engine.TestBenchFile))
	require.NoError(t, err)
	assert.Contains(t, string(tb), `$fopen("sim/test_values.txt", "w");`)
	assert.Contains(t, string(tb), "'b")
}

func TestFixedPointInputRange(t *testing.T) {
	tests := []struct {
		name string
		args []string
		low  float64
		high float64
	}{
		{"default", []string{"--fixed-point"}, -100, 100},
		{"explicit", []string{"--fixed-point", "--in-low", "0", "--in-high", "1"}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &options{}
			fs := pflag.NewFlagSet("rtlgen", pflag.ContinueOnError)
			opts.register(fs)
			require.NoError(t, fs.Parse(tt.args))

			config, err := opts.config()
			require.NoError(t, err)
			assert.True(t, config.FixedPoint)
			assert.Equal(t, tt.low, config.InputRange.Low)
			assert.Equal(t, tt.high, config.InputRange.High)
		})
	}
}

func TestSummary(t *testing.T) {
	model := writeModel(t, t.TempDir())

	out, err := run(t, "summary", "--model", model, "--in-low", "0", "--in-high", "10")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Total Parameters: 3")
	assert.Contains(t, out, "Hardware (RangePropagated):")
	assert.Contains(t, out, "in_bits:")
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	model := writeModel(t, dir)

	tests := []struct {
		name    string
		results string
		wantErr bool
	}{
		{"match", "1,2\n8\n", false},
		{"mismatch", "1,2\n9\n", true},
		{"wrong width", "1\n8\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := filepath.Join(t.TempDir(), engine.ResultsFile)
			require.NoError(t, os.WriteFile(results, []byte(tt.results), 0o644))

			out, err := run(t, "verify", "--model", model, "--results", results)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err, out)
			assert.Contains(t, out, "PASS")
		})
	}
}

func TestFlagErrors(t *testing.T) {
	model := writeModel(t, t.TempDir())

	tests := []struct {
		name string
		args []string
	}{
		{"no model", []string{"summary"}},
		{"missing model", []string{"summary", "--model", "missing.json"}},
		{"inverted range", []string{"summary", "--model", model, "--in-low", "5", "--in-high", "1"}},
		{"zero fractional bits", []string{"summary", "--model", model, "--fixed-point", "--frac-bits", "0"}},
		{"stray argument", []string{"compile", "--model", model, "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}
