// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Refine-eval runs simulated mutator workloads against the written-card
// write barrier and its concurrent refinement pipeline, and reports how
// much card work lands on mutators, the safepoint flush, the background
// workers, and the collections themselves for each barrier setup.
package main

import (
	"flag"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
)

const (
	Text = "text"
	TSV  = "tsv"
)

var (
	allFormats = []string{Text, TSV}
	allParams  = slices.Collect(maps.Keys(param2Extractor))
)

var (
	outputFormat = flag.String("format", Text, fmt.Sprintf("output format %v", allFormats))
	setupRe      = flag.String("filter", ".*", "barrier setup regexp")
	scenarioRe   = flag.String("scenario", ".*", "scenario regexp")
	scenarioFile = flag.String("scenarios", "", "YAML file of scenarios to run in addition to the builtin set")
	vary         = flag.String("vary", "", fmt.Sprintf("comma-separated parameters to vary with the format <name>=[<lo>:<hi>]/<steps>; supported parameters: %v", allParams))
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	// Set up filters.
	setupRegexp, err := regexp.Compile(*setupRe)
	if err != nil {
		return fmt.Errorf("parsing setup regexp: %v", err)
	}
	scnRegexp, err := regexp.Compile(*scenarioRe)
	if err != nil {
		return fmt.Errorf("parsing scenario regexp: %v", err)
	}

	scenarios := Scenarios
	if *scenarioFile != "" {
		extra, err := loadScenarios(*scenarioFile)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, extra...)
	}

	// Set up output.
	var (
		writeHeader func()
		writeRecord func(Setup, Scenario, simResult)
	)
	switch format := *outputFormat; format {
	case Text, TSV:
		var w io.Writer = os.Stdout
		if format == Text {
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer tw.Flush()
			w = tw
		}
		writeHeader = func() {
			fmt.Fprintf(w, "Setup\tScenario\tF_Y\tF_L\tWritten\tMutDirty\tConcDirty\tFlushDirty\tFiltered\tConcRefined\tGCRefined\tPrecleaned\tBacklog\tThreads\n")
			if format == Text {
				fmt.Fprintf(w, "-\t-\t-\t-\t-\t-\t-\t-\t-\t-\t-\t-\t-\t-\n")
			}
		}
		writeRecord = func(setup Setup, scenario Scenario, res simResult) {
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				setup.Name,
				scenario.Name,
				scenario.YoungFrac,
				scenario.Locality,
				res.written(),
				res.mutatorDirtied(),
				res.concurrentDirtied(),
				res.flushDirtied(),
				res.filtered(),
				res.Concurrent.RefinedCards,
				res.Collection.RefinedCards,
				res.precleaned(),
				res.MaxBacklog,
				res.Threads)
		}
	default:
		return fmt.Errorf("unknown output format %q", *outputFormat)
	}

	// Set up programs to vary some variables.
	var varyProgs []*VaryProgram
	if *vary != "" {
		for _, prog := range strings.Split(*vary, ",") {
			vp, err := parseVaryProgram(prog)
			if err != nil {
				return err
			}
			varyProgs = append(varyProgs, vp)
		}
	}

	// Run and write output.
	writeHeader()
	for _, setup := range Setups {
		if !setupRegexp.MatchString(setup.Name) {
			continue
		}
		for _, scenario := range scenarios {
			if !scnRegexp.MatchString(scenario.Name) {
				continue
			}
			if len(varyProgs) != 0 {
				for _, prog := range varyProgs {
					for scenario := range prog.Vary(scenario) {
						res, err := runScenario(setup, scenario)
						if err != nil {
							return fmt.Errorf("running %s/%s: %w", setup.Name, scenario.Name, err)
						}
						writeRecord(setup, scenario, res)
					}
				}
			} else {
				res, err := runScenario(setup, scenario)
				if err != nil {
					return fmt.Errorf("running %s/%s: %w", setup.Name, scenario.Name, err)
				}
				writeRecord(setup, scenario, res)
			}
		}
	}
	return nil
}

type VaryProgram struct {
	extractParam func(*Scenario) *float64
	lo, hi       float64
	steps        int
}

func (vp *VaryProgram) Vary(scenario Scenario) iter.Seq[Scenario] {
	return func(yield func(Scenario) bool) {
		p := vp.extractParam(&scenario)
		inc := (vp.hi - vp.lo) / float64(vp.steps)
		for *p = vp.lo; *p <= vp.hi; *p += inc {
			if !yield(scenario) {
				break
			}
		}
	}
}

var param2Extractor = map[string]func(*Scenario) *float64{
	"F_Y": func(s *Scenario) *float64 {
		return &s.YoungFrac
	},
	"F_L": func(s *Scenario) *float64 {
		return &s.Locality
	},
}

func parseVaryProgram(vp string) (*VaryProgram, error) {
	i := strings.IndexByte(vp, '=')
	if i < 0 {
		return nil, fmt.Errorf("invalid vary program: %q", vp)
	}
	param := vp[:i]
	extract, ok := param2Extractor[param]
	if !ok {
		return nil, fmt.Errorf("invalid vary program: unknown parameter: %s", param)
	}
	vp = vp[i+1:]
	if len(vp) == 0 || vp[0] != '[' {
		return nil, fmt.Errorf("invalid vary program: %q", vp)
	}
	vp = vp[1:]
	i = strings.IndexByte(vp, ':')
	if i < 0 {
		return nil, fmt.Errorf("invalid vary program: %q", vp)
	}
	lo, err := strconv.ParseFloat(vp[:i], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vary program: cannot parse lo: %s", vp[:i])
	}
	vp = vp[i+1:]
	i = strings.IndexByte(vp, ']')
	if i < 0 {
		return nil, fmt.Errorf("invalid vary program: %q", vp)
	}
	hi, err := strconv.ParseFloat(vp[:i], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vary program: cannot parse hi: %s", vp[:i])
	}
	vp = vp[i+1:]
	if len(vp) == 0 || vp[0] != '/' {
		return nil, fmt.Errorf("invalid vary program: %q", vp)
	}
	vp = vp[1:]
	steps, err := strconv.ParseInt(vp, 10, 64)
	if err != nil || steps <= 0 {
		return nil, fmt.Errorf("invalid vary program: cannot parse steps: %s", vp)
	}
	return &VaryProgram{
		extractParam: extract,
		lo:           lo,
		hi:           hi,
		steps:        int(steps),
	}, nil
}
