// Command tracedump compiles one of a handful of built-in synthetic
// traces and prints the resulting machine code and trace record. It exists
// purely as development tooling for inspecting what the backward-single-
// pass assembler actually emits — out-of-band debugging, never a path any
// embedding runtime links against (the same separation the teacher draws
// between its library and its own cmd/wazero CLI).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(doMain(os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer) int {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "Prints usage.")
	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		return 0
	}

	switch subCmd := flag.Arg(0); subCmd {
	case "compile":
		return doCompile(flag.Args()[1:], stdOut, stdErr)
	case "list":
		fmt.Fprintln(stdOut, "loop\ttrace that closes a back edge into itself")
		fmt.Fprintln(stdOut, "tail\tstraight-line trace that falls through to the interpreter")
		return 0
	default:
		fmt.Fprintf(stdErr, "invalid command %q\n", subCmd)
		printUsage(stdErr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tracedump compiles a built-in synthetic trace and dumps the result.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "\ttracedump compile -demo <name>")
	fmt.Fprintln(w, "\ttracedump list")
}

func doCompile(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("compile", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var demo string
	flags.StringVar(&demo, "demo", "loop", "Built-in fixture to compile: loop or tail.")
	var help bool
	flags.BoolVar(&help, "h", false, "Prints usage.")

	_ = flags.Parse(args)
	if help {
		flags.Usage()
		return 0
	}

	fx, ok := buildFixture(demo)
	if !ok {
		fmt.Fprintf(stdErr, "unknown demo %q, see tracedump list\n", demo)
		return 1
	}

	result, cerr := compileFixture(fx)
	if cerr != nil {
		fmt.Fprintf(stdErr, "compile error: %v\n", cerr)
		return 1
	}

	dumpRecord(stdOut, fx.name, result)
	return 0
}
