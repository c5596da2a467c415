package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ecosign/ecocert/pkg/verifier"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Exit codes shared by every subcommand.
const (
	exitOK      = 0
	exitInvalid = 1
	exitError   = 2
	exitPartial = 3
)

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitError
	}

	switch args[1] {
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "certify":
		return runCertifyCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "events":
		return runEventsCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "ecocert %s\n", verifier.Version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitError
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%secocert %s%s\n", ColorBold+ColorBlue, verifier.Version, ColorReset)
	fmt.Fprintf(w, "%sEvidence certificates you can check offline.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  ecocert <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "CERTIFICATES")
	printCommand(w, "keygen", "Generate an Ed25519 signing key (--id, --out)")
	printCommand(w, "certify", "Issue a certificate over files (--key, --file, --title, --out)")
	printCommand(w, "verify", "Verify a certificate (--cert, --original, --json, --require)")

	printSection(w, "CUSTODY")
	printCommand(w, "events", "List or append custody events (--document, --append)")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the verification HTTP service (--config)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sEXIT CODES:%s 0 valid, 1 invalid, 3 partial, 2 usage or runtime error\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
