package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/certify"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/remote"
	"github.com/ecosign/ecocert/pkg/timestamp"
)

// runCertifyCmd implements `ecocert certify`: hash the files, sign the
// manifest with every --key, optionally stamp each signature and record
// pending anchors.
//
// Exit codes:
//
//	0 = certificate written
//	2 = usage or runtime error
func runCertifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("certify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keys, files, anchors     stringList
		title, author, desc      string
		documentID, format, out  string
		tsaKey, tsaName, cfgPath string
	)
	cmd.Var(&keys, "key", "Signer key file; repeat for several signers (REQUIRED)")
	cmd.Var(&files, "file", "File to certify: path, file://, s3:// or gs:// URI; repeatable (REQUIRED)")
	cmd.Var(&anchors, "anchor", "Ledger to anchor on (polygon, bitcoin); repeatable")
	cmd.StringVar(&title, "title", "", "Document title (REQUIRED)")
	cmd.StringVar(&author, "author", "", "Document author")
	cmd.StringVar(&desc, "description", "", "Document description")
	cmd.StringVar(&documentID, "document-id", "", "Document id linking the custody log")
	cmd.StringVar(&format, "format", certificate.FormatECOX, "Container format: ecox or eco")
	cmd.StringVar(&out, "out", "", "Output path, or - for stdout (REQUIRED)")
	cmd.StringVar(&tsaKey, "tsa-key", "", "Key file of a local timestamp authority")
	cmd.StringVar(&tsaName, "tsa-name", "ecocert local TSA", "Name recorded for the local timestamp authority")
	cmd.StringVar(&cfgPath, "config", "", "Path to config file")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if len(keys) == 0 || len(files) == 0 || title == "" || out == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --key, --file, --title and --out are required")
		return exitError
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	ctx := context.Background()
	svc, err := openServices(ctx, cfg, stderr, serviceOptions{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer svc.Close(ctx)

	opts := certify.Options{Anchors: anchors, Logger: svc.logger.With("component", "certify")}
	for _, k := range keys {
		s, err := crypto.LoadSigner(k)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		opts.Signers = append(opts.Signers, s)
	}
	switch {
	case tsaKey != "":
		s, err := crypto.LoadSigner(tsaKey)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		opts.Authority = timestamp.NewEd25519Authority(tsaName, "", s)
	case cfg.Timestamp.IssuerURL != "":
		client := remote.New("timestamp-authority", cfg.Timestamp.Remote)
		opts.Authority = timestamp.NewRFC3161Client(cfg.Timestamp.IssuerURL, hostOf(cfg.Timestamp.IssuerURL), client)
	}

	in := certify.Input{
		Format:     format,
		DocumentID: documentID,
		Metadata:   certificate.Metadata{Title: title, Author: author, Description: desc},
	}
	for _, f := range files {
		rc, err := svc.blobs.Open(ctx, f)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		defer rc.Close()
		in.Files = append(in.Files, certify.File{FileName: baseName(f), Content: rc})
	}

	cert, err := certify.Certify(ctx, in, opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	raw, err := cert.Marshal()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if out == "-" {
		_, _ = stdout.Write(append(raw, '\n'))
		return exitOK
	}
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write certificate: %v\n", err)
		return exitError
	}
	_, _ = fmt.Fprintf(stdout, "Certificate:   %s\n", out)
	_, _ = fmt.Fprintf(stdout, "Manifest hash: %s\n", cert.ManifestHash().Hex())
	_, _ = fmt.Fprintf(stdout, "Assets:        %s\n", strings.Join(cert.AssetIDs(), ", "))
	_, _ = fmt.Fprintf(stdout, "Signatures:    %d\n", len(cert.Signatures))
	return exitOK
}

// baseName is the last path element of a local path or object URI.
func baseName(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return path.Base(u.Path)
	}
	return path.Base(strings.ReplaceAll(ref, "\\", "/"))
}

func hostOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
