// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command probec runs PROBE language source files through the interpreter,
// or drops into an interactive prompt when given none.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	isatty "github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/probechain/probe-lang/interp"
	"github.com/probechain/probe-lang/value"
)

var (
	errColor    = color.New(color.FgRed, color.Bold)
	promptColor = color.New(color.FgCyan)
)

func main() {
	app := &cli.App{
		Name:      "probec",
		Usage:     "run PROBE scripts",
		ArgsUsage: "[script.probe]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "version",
				Usage: "print version and exit",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		errColor.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const version = "0.1.0"

func run(c *cli.Context) error {
	if c.Bool("version") {
		fmt.Println("probe", version)
		return nil
	}

	if c.NArg() < 1 {
		return repl()
	}
	return runFile(c.Args().First())
}

func runFile(path string) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	s := interp.New()
	results, err := s.DoString(path, string(source))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, r := range results {
		fmt.Println(r.String())
	}
	return nil
}

// repl is a minimal read-eval-print loop: one chunk per line, evaluated as
// a return statement first so bare expressions print their value, falling
// back to a plain statement chunk otherwise. It shares a single State (and
// so a single global table and collector) across every line, the way the
// reference's standalone interpreter keeps one Lua_State for a session.
func repl() error {
	s := interp.New()
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	scanner := bufio.NewScanner(os.Stdin)

	for {
		if interactive {
			promptColor.Fprint(os.Stdout, "> ")
		}
		if !scanner.Scan() {
			if interactive {
				fmt.Println()
			}
			return nil
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		evalLine(s, line)
	}
}

func evalLine(s *interp.State, line string) {
	if results, err := s.DoString("stdin", "return "+line); err == nil {
		printResults(results)
		return
	}
	if _, err := s.DoString("stdin", line); err != nil {
		errColor.Fprintln(os.Stderr, err)
	}
}

func printResults(results []value.Value) {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.String()
	}
	if len(parts) > 0 {
		fmt.Println(strings.Join(parts, "\t"))
	}
}
