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
	"fmt"
	"os"

	"github.com/ipasim-go/core"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [FILE]",
	Short: "Load a guest binary and its dependencies without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := ipasim.DefaultConfig()
		eng, err := ipasim.NewEngine()
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}
		defer eng.Close()

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

		fmt.Printf("%-40s %-10s 0x%08x  size=0x%x\n", lib.Path, lib.Kind, lib.StartAddress, lib.Size)
		if lib.Kind == ipasim.GuestDylib {
			fmt.Printf("  slide=0x%x  methods=%d  aliases=%d\n", lib.Slide, len(lib.MethodTypes), len(lib.Aliases))
		}
		if lib.IsWrapper {
			fmt.Println("  wrapper DLL")
		}
		if lib.MachOPoser {
			fmt.Println("  Mach-O poser")
		}
		if symbols := lib.Symbols(); len(symbols) > 0 {
			fmt.Printf("  %d exported symbols\n", len(symbols))
		}

		for _, e := range ldr.LastErrors() {
			fmt.Fprintf(os.Stderr, "warning: %v\n", e)
		}
		return nil
	},
}
