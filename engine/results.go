package engine

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/tsawler/go-rtl/fixedpoint"
)

// Results is the content of a testbench result artifact: the raw signed
// input and output words as printed by the simulator.
type Results struct {
	Inputs  []int64
	Outputs []int64
}

// ParseResults reads the two-line result artifact written by the testbench.
func ParseResults(r io.Reader) (*Results, error) {
	scanner := bufio.NewScanner(r)

	var lines []string
	for len(lines) < 2 && scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("results have %d lines, expected 2", len(lines))
	}

	inputs, err := parseWords(lines[0])
	if err != nil {
		return nil, fmt.Errorf("input line %q: %w", lines[0], err)
	}
	outputs, err := parseWords(lines[1])
	if err != nil {
		return nil, fmt.Errorf("output line %q: %w", lines[1], err)
	}

	return &Results{Inputs: inputs, Outputs: outputs}, nil
}

func parseWords(line string) ([]int64, error) {
	if line == "" {
		return nil, fmt.Errorf("empty line")
	}
	fields := strings.Split(line, ",")
	words := make([]int64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, err
		}
		words[i] = v
	}
	return words, nil
}

// Report compares simulated outputs with the reference evaluation.
type Report struct {
	Inputs    []float64
	Expected  []float64
	Actual    []float64
	Tolerance float64

	// Mismatches lists the output positions outside the tolerance.
	Mismatches []int
}

// Passed reports whether every output is within the tolerance.
func (r *Report) Passed() bool {
	return len(r.Mismatches) == 0
}

func (r *Report) String() string {
	var sb strings.Builder
	if r.Passed() {
		sb.WriteString("PASS\n")
	} else {
		fmt.Fprintf(&sb, "FAIL: outputs %v differ\n", r.Mismatches)
	}
	fmt.Fprintf(&sb, "Inputs:   %v\n", r.Inputs)
	fmt.Fprintf(&sb, "Expected: %v\n", r.Expected)
	fmt.Fprintf(&sb, "Got:      %v\n", r.Actual)
	return sb.String()
}

// Verify decodes a result artifact with the propagated widths and checks it
// against Forward on the same (decoded) inputs. Integer designs must match
// exactly; fixed-point designs within 1e-2.
func (me *ModelEngine) Verify(res *Results) (*Report, error) {
	if err := me.ready(); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("no results to verify")
	}

	first, last := me.chain[0], me.chain[len(me.chain)-1]
	if len(res.Inputs) != first.InputWidth() {
		return nil, fmt.Errorf("results hold %d inputs, model takes %d", len(res.Inputs), first.InputWidth())
	}
	if len(res.Outputs) != last.OutputWidth() {
		return nil, fmt.Errorf("results hold %d outputs, model produces %d", len(res.Outputs), last.OutputWidth())
	}

	inputs, err := decodeWords(res.Inputs, me.inputFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to decode inputs: %w", err)
	}
	actual, err := decodeWords(res.Outputs, me.outputFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to decode outputs: %w", err)
	}
	expected, err := me.Forward(inputs)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Inputs:    inputs,
		Expected:  expected,
		Actual:    actual,
		Tolerance: me.config.tolerance(),
	}
	report.Mismatches = lo.Filter(lo.Range(len(expected)), func(j int, _ int) bool {
		return math.Abs(expected[j]-actual[j]) > report.Tolerance
	})
	return report, nil
}

func decodeWords(words []int64, format func(int) (uint, uint)) ([]float64, error) {
	out := make([]float64, len(words))
	for i, w := range words {
		intBits, fracBits := format(i)
		if fracBits == 0 {
			out[i] = float64(w)
			continue
		}
		v, err := fixedpoint.FromSigned(w, intBits, fracBits)
		if err != nil {
			return nil, fmt.Errorf("word %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
