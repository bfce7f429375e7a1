package engine

import (
	"fmt"
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/tsawler/go-rtl/layers"
	"github.com/tsawler/go-rtl/verilog"
)

// TopModule is the name of the generated top-level module.
const TopModule = "top"

func (me *ModelEngine) hasFixedPoint() bool {
	return lo.SomeBy(me.chain, func(l layers.Layer) bool {
		return l.Kind() == layers.LinearFixedPoint
	})
}

// emitDesign concatenates the timescale directive, the shared fixed-point
// sub-modules when any layer uses them, every layer module and the top module.
func (me *ModelEngine) emitDesign() (string, error) {
	parts := []string{verilog.Timescale}
	if me.hasFixedPoint() {
		parts = append(parts, layers.SupportModules())
	}

	for _, l := range me.chain {
		text, err := l.Emit()
		if err != nil {
			return "", err
		}
		parts = append(parts, text)
	}

	parts = append(parts, me.topModule().String())
	return strings.Join(parts, "\n"), nil
}

// topModule wires the layers in order. Each stage gets fresh wires
// layer_<i>_out_<j> sized by that layer's own output widths.
func (me *ModelEngine) topModule() *verilog.Module {
	first, last := me.chain[0], me.chain[len(me.chain)-1]

	m := &verilog.Module{
		Name:    TopModule,
		Inputs:  verilog.Names("in", first.InputWidth()),
		Outputs: verilog.Names("out", last.OutputWidth()),
	}
	m.Ports = append(m.Ports, verilog.Signals(verilog.Input, true, m.Inputs, first.InBits())...)
	m.Ports = append(m.Ports, verilog.Signals(verilog.Output, true, m.Outputs, last.OutBits())...)

	inWires := m.Inputs
	var outWires []string
	for i, l := range me.chain {
		outWires = verilog.Names(fmt.Sprintf("layer_%d_out_", i), l.OutputWidth())
		for j, w := range outWires {
			sig := verilog.Signal{Kind: verilog.Wire, Signed: true, Bits: l.OutBits()[j], Name: w}
			m.Body = append(m.Body, sig.String())
		}
		m.Body = append(m.Body, fmt.Sprintf("%s layer_%d(%s, %s);",
			l.Name(), i, strings.Join(inWires, ","), strings.Join(outWires, ",")))
		inWires = outWires
	}

	for j, w := range outWires {
		m.Body = append(m.Body, fmt.Sprintf("assign out%d = %s;", j, w))
	}
	return m
}

// Artifact names used by the generated files and the testbench.
const (
	DesignFile    = "test.v"
	TestBenchFile = "test_tb.v"
	ResultsFile   = "test_values.txt"
	TraceFile     = "tb_top.vcd"
)

// emitTestBench renders tb_top: it drives top with the test vector, waits for
// the outputs to settle and writes a two-line result artifact, inputs on the
// first line and outputs on the second, plus a waveform trace.
func (me *ModelEngine) emitTestBench() (string, error) {
	first, last := me.chain[0], me.chain[len(me.chain)-1]
	inputs := verilog.Names("in", first.InputWidth())
	outputs := verilog.Names("out", last.OutputWidth())
	dir := me.config.resultDir()

	w := verilog.NewWriter()
	w.Line(verilog.Timescale)
	w.Blank()
	w.Line("module tb_top;")
	w.Push()
	for _, s := range verilog.Signals(verilog.Reg, true, inputs, first.InBits()) {
		w.Line(s.String())
	}
	for _, s := range verilog.Signals(verilog.Wire, true, outputs, last.OutBits()) {
		w.Line(s.String())
	}
	w.Line("integer file;")
	w.Blank()

	w.Linef("%s dut(", TopModule)
	w.Push()
	w.Line(strings.Join(inputs, ", ") + ",")
	w.Line(strings.Join(outputs, ", "))
	w.Pop()
	w.Line(");")
	w.Blank()

	w.Line("initial begin")
	w.Push()
	w.Line("// Open a file for writing test data")
	w.Linef("file = $fopen(%q, \"w\");", path.Join(dir, ResultsFile))
	w.Blank()
	w.Linef("$dumpfile(%q);", path.Join(dir, TraceFile))
	w.Line("$dumpvars(0, tb_top);")
	w.Blank()
	w.Line("// Wait a bit before starting simulation")
	w.Line("#2;")
	w.Blank()
	for i, in := range inputs {
		operand, err := me.encodeInput(i)
		if err != nil {
			return "", err
		}
		w.Linef("assign %s = %s;", in, operand)
	}
	w.Blank()
	w.Line("// Add some delay to see the changes")
	w.Line("#50;")
	w.Blank()
	w.Line("// Display the values")
	w.Linef("$fwrite(file, %s);", formatList(inputs))
	w.Line(`$fwrite(file, "\n");`)
	w.Line(`$display("out0: %0d", out0);`)
	if _, fracBits := me.outputFormat(0); fracBits > 0 {
		w.Linef(`$display("fractional: %%f", $itor(out0) / (1 << %d));`, fracBits)
	}
	w.Blank()
	w.Linef("$fwrite(file, %s);", formatList(outputs))
	w.Line("#50;  // Add more delay before finishing")
	w.Blank()
	w.Line("$fclose(file);")
	w.Line("$finish;")
	w.Pop()
	w.Line("end")
	w.Pop()
	w.Line("endmodule")

	return w.String(), nil
}

// formatList renders `"%0d,%0d", a, b`.
func formatList(names []string) string {
	format := strings.TrimSuffix(strings.Repeat("%0d,", len(names)), ",")
	return fmt.Sprintf("%q, %s", format, strings.Join(names, ", "))
}
