package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "serve", "server":
		return startServer()
	case "precheck":
		return runPrecheckCmd(args[2:], stdout, stderr)
	case "gate":
		return runGateCmd(args[2:], stdout, stderr)
	case "proofpack-verify":
		return runProofpackVerifyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 3
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sMarketOps %s%s\n", ColorBold+ColorBlue, "v1.0.0", ColorReset)
	fmt.Fprintf(w, "%sGovernance-gated publication with sealed evidence.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  marketops <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the MarketOps server (default)")

	printSection(w, "GOVERNANCE GATE")
	printCommand(w, "precheck", "Validate a publish packet offline (--packet, --pretty)")
	printCommand(w, "gate", "Run the full gate against the control plane (--packet, --execute)")

	printSection(w, "VERIFICATION")
	printCommand(w, "proofpack-verify", "Verify a sealed Proof Pack (--pack, --json)")

	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-18s%s %s\n", ColorGreen, name, ColorReset, desc)
}
