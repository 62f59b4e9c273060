/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ipasim-go/core"
	"github.com/spf13/cobra"
)

var printMetrics bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&printMetrics, "metrics", false, "print counters after the run completes")
}

// cpuState is the register dump printed after a run completes.
type cpuState struct {
	R0 uint64 `json:"r0"`
	R1 uint64 `json:"r1"`
	R2 uint64 `json:"r2"`
	R3 uint64 `json:"r3"`
	SP uint64 `json:"sp"`
	LR uint64 `json:"lr"`
	PC uint64 `json:"pc"`
}

func readCPUState(exec *ipasim.Executor) (*cpuState, error) {
	var state cpuState
	for _, r := range []struct {
		reg int
		dst *uint64
	}{
		{ipasim.RegR0, &state.R0},
		{ipasim.RegR1, &state.R1},
		{ipasim.RegR2, &state.R2},
		{ipasim.RegR3, &state.R3},
		{ipasim.RegSP, &state.SP},
		{ipasim.RegLR, &state.LR},
		{ipasim.RegPC, &state.PC},
	} {
		v, err := exec.RegRead(r.reg)
		if err != nil {
			return nil, fmt.Errorf("read register state: %w", err)
		}
		*r.dst = v
	}
	return &state, nil
}

var runCmd = &cobra.Command{
	Use:   "run [FILE]",
	Short: "Load and execute a guest Mach-O binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := ipasim.Supported()
		if err != nil || !ok {
			return fmt.Errorf("host not supported: %v", err)
		}

		cfg := ipasim.DefaultConfig()
		eng, err := ipasim.NewEngine()
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}

		reg := ipasim.NewRegistry()
		ldr := ipasim.NewLoader(reg, eng, cfg)

		lib, err := ldr.Load(args[0])
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		if lib == nil {
			for _, e := range ldr.LastErrors() {
				fmt.Fprintln(os.Stderr, e)
			}
			return fmt.Errorf("failed to load %s", args[0])
		}

		exec, err := ipasim.NewExecutor(ldr, eng, cfg)
		if err != nil {
			return fmt.Errorf("create executor: %w", err)
		}
		defer exec.Close()

		if err := exec.Execute(lib); err != nil {
			return fmt.Errorf("execute %s: %w", args[0], err)
		}

		state, err := readCPUState(exec)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if printMetrics {
			out, err := json.MarshalIndent(ipasim.GetMetrics(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
		return nil
	},
}
