package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ecosign/ecocert/pkg/verifier"
)

// runVerifyCmd implements `ecocert verify`.
//
// Checks a certificate layer by layer: structure, original file, signatures,
// legal timestamps, ledger anchors and, with --custody, the custody trail.
// With --require the acceptance policy decides the exit code instead of the
// verdict alone.
//
// Exit codes:
//
//	0 = VALID (or accepted by --require)
//	1 = INVALID (or rejected by --require)
//	2 = usage or runtime error
//	3 = PARTIAL
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		certRef, originalRef string
		assetID, documentID  string
		require, cfgPath     string
		receiptOut           string
		jsonOutput, withLog  bool
	)
	cmd.StringVar(&certRef, "cert", "", "Certificate path or object URI (REQUIRED)")
	cmd.StringVar(&originalRef, "original", "", "Original file to compare with the certified asset")
	cmd.StringVar(&assetID, "asset", "", "Asset id the original must match")
	cmd.StringVar(&documentID, "document", "", "Document id of the custody trail (defaults to the manifest's)")
	cmd.StringVar(&require, "require", "", "CEL acceptance policy over the report, e.g. 'report.verdict == \"VALID\"'")
	cmd.StringVar(&cfgPath, "config", "", "Path to config file")
	cmd.StringVar(&receiptOut, "receipt-out", "", "Write a signed verification receipt to this file (needs receipts.key_file)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")
	cmd.BoolVar(&withLog, "custody", false, "Include the custody trail from the configured log")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if certRef == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --cert is required")
		return exitError
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	ctx := context.Background()
	svc, err := openServices(ctx, cfg, stderr, serviceOptions{custody: withLog})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer svc.Close(ctx)

	accept, err := svc.acceptPolicy(require)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	engine, err := svc.engine()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	raw, err := svc.readBlob(ctx, certRef)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read certificate: %v\n", err)
		return exitError
	}
	req := verifier.Request{Certificate: raw, AssetID: assetID, DocumentID: documentID}
	if originalRef != "" {
		orig, err := svc.readBlob(ctx, originalRef)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot read original: %v\n", err)
			return exitError
		}
		req.Original = bytes.NewReader(orig)
	}

	vctx, cancel := context.WithTimeout(ctx, cfg.Verification.Timeout)
	defer cancel()
	report, err := engine.Verify(vctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification did not complete: %v\n", err)
		return exitError
	}

	var accepted *bool
	if accept != nil {
		ok, err := accept.Accept(report)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		accepted = &ok
	}

	if receiptOut != "" {
		issuer, err := svc.receiptIssuer()
		if err != nil || issuer == nil {
			_, _ = fmt.Fprintf(stderr, "Error: receipts are not configured: %v\n", err)
			return exitError
		}
		tok, err := issuer.Issue(report)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		if err := os.WriteFile(receiptOut, []byte(tok+"\n"), 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write receipt: %v\n", err)
			return exitError
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, report, accepted, accept)
	}

	if accepted != nil {
		if *accepted {
			return exitOK
		}
		return exitInvalid
	}
	switch report.Verdict {
	case verifier.VerdictValid:
		return exitOK
	case verifier.VerdictPartial:
		return exitPartial
	default:
		return exitInvalid
	}
}

func printReport(w io.Writer, r *verifier.Report, accepted *bool, accept fmt.Stringer) {
	switch r.Verdict {
	case verifier.VerdictValid:
		_, _ = fmt.Fprintf(w, "✅ Certificate VALID\n")
	case verifier.VerdictPartial:
		_, _ = fmt.Fprintf(w, "⚠️  Certificate PARTIAL\n")
	default:
		_, _ = fmt.Fprintf(w, "❌ Certificate INVALID\n")
	}
	if r.Title != "" {
		_, _ = fmt.Fprintf(w, "Title:         %s\n", r.Title)
	}
	if r.DocumentID != "" {
		_, _ = fmt.Fprintf(w, "Document:      %s\n", r.DocumentID)
	}
	if r.ManifestHash != "" {
		_, _ = fmt.Fprintf(w, "Manifest hash: %s\n", r.ManifestHash)
	}
	_, _ = fmt.Fprintf(w, "Summary:       %s\n", r.Summary)
	for _, is := range r.Issues {
		where := is.Layer
		if is.Index != nil {
			where = fmt.Sprintf("%s[%d]", is.Layer, *is.Index)
		}
		code := string(is.Code)
		if code == "" {
			code = string(is.Severity)
		}
		_, _ = fmt.Fprintf(w, "  - %s %s: %s\n", where, code, is.Detail)
	}
	if r.Custody != nil {
		if r.Custody.Available {
			_, _ = fmt.Fprintf(w, "Custody:       %d events\n", len(r.Custody.Entries))
		} else {
			_, _ = fmt.Fprintf(w, "Custody:       %s\n", r.Custody.Reason)
		}
	}
	if accepted != nil {
		verdict := "rejected"
		if *accepted {
			verdict = "accepted"
		}
		_, _ = fmt.Fprintf(w, "Policy:        %s (%s)\n", verdict, accept)
	}
}
