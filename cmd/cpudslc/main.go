// Command cpudslc compiles a CPU emulator DSL source file into C.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alice-mkh/cpudsl/pkg/dsl"
	"github.com/alice-mkh/cpudsl/pkg/report"
	"github.com/spf13/cobra"
)

func main() {
	var defines []string
	var dispatch string
	var verbose bool
	var statsPath string

	rootCmd := &cobra.Command{
		Use:   "cpudslc <source-file>",
		Short: "Compile a CPU emulator DSL source file into C",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dispatch != "call" && dispatch != "goto" {
				return fmt.Errorf("switch dispatch is not implemented; use call or goto")
			}

			defineMap, err := parseDefines(defines)
			if err != nil {
				return err
			}

			if verbose && cmd.Flags().Lookup("define").Changed {
				fmt.Fprintf(os.Stderr, "defines: %v\n", defineMap)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}

			if verbose {
				fmt.Fprintf(os.Stderr, "parsing %s\n", args[0])
			}
			src, err := dsl.Parse(string(data))
			if err != nil {
				return fmt.Errorf("parsing %s: %w", args[0], err)
			}

			prog, err := dsl.BuildProgram(src, dispatch, defineMap)
			if err != nil {
				return err
			}
			if statsPath != "" {
				prog.Stats = report.NewStats()
			}

			if verbose {
				fmt.Fprintf(os.Stderr, "generating dispatch mode %s\n", dispatch)
			}

			if header, ok := prog.Info["header"]; ok && len(header) > 0 {
				fmt.Printf("#include %q\n", header[0])
				fmt.Print(prog.WriteHeader())
			}
			fmt.Println("#include \"util.h\"")
			fmt.Println("#include <stdlib.h>")

			body, err := prog.Build()
			if err != nil {
				return fmt.Errorf("generating %s: %w", args[0], err)
			}
			fmt.Println(body)

			if statsPath != "" {
				if err := prog.Stats.WriteJSON(statsPath); err != nil {
					return fmt.Errorf("writing stats to %s: %w", statsPath, err)
				}
				if verbose {
					fmt.Fprintf(os.Stderr, "wrote stats to %s\n", statsPath)
				}
			}
			return nil
		},
	}

	rootCmd.Flags().StringArrayVarP(&defines, "define", "D", nil, "define name[=value], may be repeated")
	rootCmd.Flags().StringVarP(&dispatch, "dispatch", "d", "call", "dispatch mode: call or goto (switch is rejected)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics on stderr")
	rootCmd.Flags().StringVar(&statsPath, "stats", "", "write compile statistics to this JSON file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseDefines turns a list of "name" or "name=value" tokens from -D
// into a map, following the same partition-on-"=" pattern the teacher
// uses for --dead-flags (split, trim, fall through to a bare-boolean
// default when there is no "=").
func parseDefines(defines []string) (map[string]string, error) {
	out := map[string]string{}
	for _, d := range defines {
		name, val, has := strings.Cut(d, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid -D value %q: empty name", d)
		}
		if has {
			out[name] = strings.TrimSpace(val)
		} else {
			out[name] = ""
		}
	}
	return out, nil
}
