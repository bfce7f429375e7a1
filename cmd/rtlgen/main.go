// Command rtlgen compiles a trained layer chain into a Verilog design and a
// self-checking testbench, and checks simulator results against the model.
//
//	rtlgen compile --model net.onnx --out build
//	rtlgen summary --model net.json --fixed-point --frac-bits 8
//	rtlgen verify  --model net.onnx --results output_files/test_values.txt
package main

import (
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("rtlgen: ")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
