package main

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tsawler/go-rtl/bitwidth"
	"github.com/tsawler/go-rtl/checkpoints"
	"github.com/tsawler/go-rtl/engine"
)

// options collects the flags shared by every sub-command.
type options struct {
	model      string
	fixedPoint bool
	fracBits   uint
	inLow      float64
	inHigh     float64
	seed       int64
	inputs     []float64
	resultDir  string
}

func (o *options) register(fs *pflag.FlagSet) {
	defaults := engine.DefaultEngineConfig()

	fs.StringVarP(&o.model, "model", "m", "", "model checkpoint (.json or .onnx)")
	fs.BoolVar(&o.fixedPoint, "fixed-point", false, "compile linear layers in Q-format fixed point")
	fs.UintVar(&o.fracBits, "frac-bits", defaults.FractionalBits, "fractional bits in fixed-point mode")
	fs.Float64Var(&o.inLow, "in-low", defaults.InputRange.Low, "lower bound of every model input")
	fs.Float64Var(&o.inHigh, "in-high", defaults.InputRange.High, "upper bound of every model input")
	fs.Int64Var(&o.seed, "seed", defaults.Seed, "seed for the testbench input vector")
	fs.Float64SliceVar(&o.inputs, "inputs", nil, "explicit testbench input vector, comma separated")
	fs.StringVar(&o.resultDir, "result-dir", "", "directory the testbench writes its results to")
}

// config translates the flags into an engine configuration.
func (o *options) config() (engine.EngineConfig, error) {
	config := engine.DefaultEngineConfig()
	config.FixedPoint = o.fixedPoint
	config.FractionalBits = o.fracBits
	config.Seed = o.seed
	config.TestInputs = o.inputs
	config.ResultDir = o.resultDir
	config.InputRange = bitwidth.Interval{Low: o.inLow, High: o.inHigh}

	if config.InputRange.Low > config.InputRange.High {
		return config, fmt.Errorf("--in-low %g is above --in-high %g", o.inLow, o.inHigh)
	}
	if o.fixedPoint && o.fracBits == 0 {
		return config, fmt.Errorf("--frac-bits must be positive in fixed-point mode")
	}
	return config, nil
}

// engine loads the model and propagates the configured input range.
func (o *options) engine() (*engine.ModelEngine, error) {
	if o.model == "" {
		return nil, fmt.Errorf("--model is required")
	}
	config, err := o.config()
	if err != nil {
		return nil, err
	}

	modelSpec, err := checkpoints.LoadModel(o.model)
	if err != nil {
		return nil, err
	}
	me, err := engine.NewModelEngine(modelSpec, config)
	if err != nil {
		return nil, err
	}
	if _, err := me.PropagateUniform(); err != nil {
		return nil, err
	}
	for _, w := range me.Warnings() {
		log.Printf("warning: %s", w)
	}
	return me, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "rtlgen",
		Short:         "Compile trained layer chains into Verilog",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetOutput(cmd.ErrOrStderr())
		},
	}
	opts.register(root.PersistentFlags())

	root.AddCommand(
		newCompileCmd(opts),
		newSummaryCmd(opts),
		newVerifyCmd(opts),
	)

	wrapRunE(root)
	return root
}

// wrapRunE logs the error of every sub-command before cobra returns it.
func wrapRunE(root *cobra.Command) {
	for _, cmd := range root.Commands() {
		run := cmd.RunE
		if run == nil {
			continue
		}
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if err != nil {
				log.Print(err)
			}
			return err
		}
	}
}

func newCompileCmd(opts *options) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Write the design and testbench for a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := opts.engine()
			if err != nil {
				return err
			}
			output, err := me.Emit()
			if err != nil {
				return err
			}
			if err := output.Save(out); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n",
				filepath.Join(out, engine.DesignFile), filepath.Join(out, engine.TestBenchFile))
			fmt.Fprintf(cmd.OutOrStdout(), "test inputs: %v\n", me.TestInputs())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "directory for test.v and test_tb.v")
	return cmd
}

func newSummaryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print the layer chain and its propagated bit widths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := opts.engine()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), me.GetModelSummary())
			return nil
		},
	}
}

func newVerifyCmd(opts *options) *cobra.Command {
	var results string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a simulator result file against the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := opts.engine()
			if err != nil {
				return err
			}
			res, err := engine.ReadResults(results)
			if err != nil {
				return err
			}
			report, err := me.Verify(res)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), report)
			if !report.Passed() {
				return fmt.Errorf("simulated outputs %v differ from the model", report.Mismatches)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&results, "results", "r", filepath.Join(engine.DefaultResultDir, engine.ResultsFile), "result file written by the testbench")
	return cmd
}
