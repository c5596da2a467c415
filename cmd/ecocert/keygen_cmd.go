package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/ecosign/ecocert/pkg/crypto"
)

// runKeygenCmd implements `ecocert keygen`.
//
// Exit codes:
//
//	0 = key written
//	2 = usage or runtime error
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var keyID, out string
	cmd.StringVar(&keyID, "id", "", "Key id recorded in every signature (REQUIRED)")
	cmd.StringVar(&out, "out", "", "Path of the new key file; never overwritten (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if keyID == "" || out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --out are required")
		return exitError
	}

	s, err := crypto.NewEd25519Signer(keyID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if err := crypto.SaveSigner(out, s); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	_, _ = fmt.Fprintf(stdout, "Key:        %s\n", s.KeyID())
	_, _ = fmt.Fprintf(stdout, "Public key: %s\n", s.PublicKey())
	_, _ = fmt.Fprintf(stdout, "Written to: %s\n", out)
	return exitOK
}
