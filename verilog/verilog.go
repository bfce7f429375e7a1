// Package verilog assembles Verilog source text: port lists, sized
// declarations, combinational blocks and module bodies.
//
// Every helper is a pure function of its arguments, so identical inputs
// always render byte-identical text.
package verilog

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Timescale is the directive placed at the top of every generated file.
const Timescale = "`timescale 1ns / 1ps"

// Indent is one level of indentation in generated text.
const Indent = "    "

// Names returns prefix0 .. prefix{n-1}.
func Names(prefix string, n int) []string {
	return lo.Times(n, func(i int) string {
		return prefix + strconv.Itoa(i)
	})
}

// Range renders the bit range of a vector of the given width, [bits-1:0].
// A zero width, the size of a constant signal, still takes one bit.
func Range(bits uint) string {
	return fmt.Sprintf("[%d:0]", max(int(bits), 1)-1)
}

// Kind is the declaration keyword of a net, variable or port.
type Kind string

const (
	Input     Kind = "input"
	Output    Kind = "output"
	OutputReg Kind = "output reg"
	Wire      Kind = "wire"
	Reg       Kind = "reg"
)

// Signal is a sized declaration.
type Signal struct {
	Kind   Kind
	Signed bool
	Bits   uint
	Name   string
}

// String renders the declaration, e.g. "input signed [7:0] in0;".
func (s Signal) String() string {
	var sb strings.Builder
	sb.WriteString(string(s.Kind))
	if s.Signed {
		sb.WriteString(" signed")
	}
	sb.WriteString(" ")
	sb.WriteString(Range(s.Bits))
	sb.WriteString(" ")
	sb.WriteString(s.Name)
	sb.WriteString(";")
	return sb.String()
}

// Signals declares one signal per name, each sized by the matching entry of bits.
func Signals(kind Kind, signed bool, names []string, bits []uint) []Signal {
	return lo.Map(names, func(name string, i int) Signal {
		return Signal{Kind: kind, Signed: signed, Bits: bits[i], Name: name}
	})
}

// Number renders a weight or bias as a Verilog operand. Integral values are
// printed without a fractional part.
func Number(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Always wraps statements in a combinational always block.
func Always(stmts []string) []string {
	lines := []string{"always @(*)", "begin"}
	for _, s := range stmts {
		lines = append(lines, Indent+s)
	}
	return append(lines, "end")
}

// Module is a single Verilog module under construction.
type Module struct {
	Name    string
	Inputs  []string
	Outputs []string

	// Ports declares the module's inputs and outputs, in order.
	Ports []Signal

	// Decls holds internal nets and variables.
	Decls []Signal

	// Body holds statements, one per line, relative to the module indentation.
	Body []string
}

// Header renders "module name(in0,in1, out0,out1);".
func (m *Module) Header() string {
	return fmt.Sprintf("module %s(%s, %s);", m.Name, strings.Join(m.Inputs, ","), strings.Join(m.Outputs, ","))
}

// String renders the complete module text.
func (m *Module) String() string {
	w := NewWriter()
	w.Line(m.Header())
	w.Push()
	for _, p := range m.Ports {
		w.Line(p.String())
	}
	if len(m.Decls) > 0 {
		w.Blank()
		for _, d := range m.Decls {
			w.Line(d.String())
		}
	}
	if len(m.Body) > 0 {
		w.Blank()
		for _, l := range m.Body {
			w.Line(l)
		}
	}
	w.Pop()
	w.Line("endmodule")
	return w.String()
}

// Writer accumulates indented lines of text.
type Writer struct {
	sb    strings.Builder
	depth int
}

// NewWriter returns an empty writer at indentation depth zero.
func NewWriter() *Writer {
	return &Writer{}
}

// Push increases the indentation depth.
func (w *Writer) Push() { w.depth++ }

// Pop decreases the indentation depth.
func (w *Writer) Pop() {
	if w.depth > 0 {
		w.depth--
	}
}

// Line writes one line at the current depth.
func (w *Writer) Line(s string) {
	for i := 0; i < w.depth; i++ {
		w.sb.WriteString(Indent)
	}
	w.sb.WriteString(s)
	w.sb.WriteByte('\n')
}

// Linef formats and writes one line.
func (w *Writer) Linef(format string, args ...interface{}) {
	w.Line(fmt.Sprintf(format, args...))
}

// Blank writes an empty line.
func (w *Writer) Blank() {
	w.sb.WriteByte('\n')
}

// Raw appends text unchanged.
func (w *Writer) Raw(s string) {
	w.sb.WriteString(s)
}

// String returns everything written so far.
func (w *Writer) String() string {
	return w.sb.String()
}
