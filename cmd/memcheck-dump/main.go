// Copyright (c) 2016 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Program memcheck-dump instruments IA-32 machine code and prints the
// resulting instruction listing.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gate.computer/memcheck"
	"gate.computer/memcheck/config"
	"gate.computer/memcheck/errors"
	"gate.computer/memcheck/x86"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configFile  string
		verbose     bool
		pcString    string
		translating bool
		ignoreUnadd bool
		routines    bool
	)

	rootCmd := &cobra.Command{
		Use:   "memcheck-dump [hex...]",
		Short: "Instrument IA-32 code and print the listing",
		Long: `Decode basic blocks from hexadecimal machine code (read from the
arguments or from standard input), instrument them with inline shadow
memory checks and print the instrumented instruction lists.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}

			pc, err := strconv.ParseUint(pcString, 0, 32)
			if err != nil {
				return fmt.Errorf("pc: %w", err)
			}

			code, err := readCode(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			opts := memcheck.BlockOptions{
				CheckIgnoreUnaddr: ignoreUnadd,
				Translating:       translating,
			}
			return dump(cmd.OutOrStdout(), cfg, code, uint32(pc), opts, routines)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.Flags().StringVar(&pcString, "pc", "0x8048000", "address of the first instruction")
	rootCmd.Flags().BoolVar(&translating, "translating", false, "instrument in translation mode")
	rootCmd.Flags().BoolVar(&ignoreUnadd, "ignore-unaddr", false, "route unaddressable accesses to the slow path")
	rootCmd.Flags().BoolVar(&routines, "routines", false, "print shared slow-path routines")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			return config.Dump(cmd.OutOrStdout(), cfg)
		},
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		if errors.AsHostError(err) != nil {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func readCode(r io.Reader, args []string) ([]byte, error) {
	text := strings.Join(args, "")
	if len(args) == 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		text = string(data)
	}

	text = strings.Join(strings.Fields(text), "")
	code, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("code: empty")
	}
	return code, nil
}

func dump(w io.Writer, cfg memcheck.Config, code []byte, pc uint32, opts memcheck.BlockOptions, routines bool) error {
	e, err := memcheck.NewEngine(cfg)
	if err != nil {
		return err
	}

	for offset := 0; offset < len(code); {
		tag := pc + uint32(offset)

		l, n, err := x86.Decode(code[offset:], tag)
		if err != nil {
			return err
		}
		slog.Debug("decoded block", "tag", fmt.Sprintf("%#x", tag), "bytes", n, "insns", l.Len())

		res, err := e.InstrumentBlock(tag, l, opts)
		if err != nil {
			return err
		}
		slog.Debug("instrumented block", "tag", fmt.Sprintf("%#x", tag), "positions", res.Len(),
			"fast", res.Stats.Fast, "slow", res.Stats.Slow, "shared", res.Stats.Shared)

		fmt.Fprintf(w, "block %#x: fast %d slow %d shared %d spills %d restores %d\n",
			tag, res.Stats.Fast, res.Stats.Slow, res.Stats.Shared, res.Stats.Spills, res.Stats.Restores)
		fmt.Fprintf(w, "saved: %+v\n", res.Saved)
		fmt.Fprint(w, l)
		fmt.Fprintln(w)

		offset += n
	}

	if routines {
		for id := 0; id < e.NumRoutines(); id++ {
			fmt.Fprintf(w, "routine %d:\n", id)
			for _, i := range e.Routine(id) {
				fmt.Fprintf(w, "\t%s\n", i)
			}
		}
	}

	return nil
}
