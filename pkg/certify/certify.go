// Package certify issues evidence certificates: it hashes the originals,
// builds and freezes the manifest, and signs it with every signer in order.
package certify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ecosign/ecocert/pkg/anchor"
	"github.com/ecosign/ecocert/pkg/canonicalize"
	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/hasher"
	"github.com/ecosign/ecocert/pkg/timestamp"
)

var safeFileName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// File is one original to certify. Either Content is read and hashed, or
// SHA256 and Size are supplied by a caller that hashed it elsewhere.
type File struct {
	ID        string
	FileName  string
	MediaType string
	Content   io.Reader
	SHA256    string
	Size      int64
}

// Input describes the document being certified.
type Input struct {
	Format     string // defaults to ecox
	DocumentID string
	Metadata   certificate.Metadata
	Files      []File
	Segments   []certificate.Segment
	Operations []certificate.OperationEntry
}

// Options controls signing, timestamping and anchoring.
type Options struct {
	Signers []crypto.Signer
	// Authority, when set, stamps every signature.
	Authority timestamp.Stamper
	// Anchors lists chains to submit to; each is recorded as pending.
	Anchors []string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Certify builds a signed certificate from in.
func Certify(ctx context.Context, in Input, opts Options) (*certificate.Certificate, error) {
	if len(opts.Signers) == 0 {
		return nil, errors.New("at least one signer is required")
	}
	if len(in.Files) == 0 {
		return nil, errors.New("at least one file is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "certify")
	}
	format := in.Format
	if format == "" {
		format = certificate.FormatECOX
	}
	issuedAt := now().UTC()

	assets := make(map[string]certificate.Asset, len(in.Files))
	for i, f := range in.Files {
		id, asset, err := buildAsset(f)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", i, err)
		}
		if _, dup := assets[id]; dup {
			return nil, fmt.Errorf("duplicate asset id %q", id)
		}
		assets[id] = asset
	}

	md := in.Metadata
	md.Title = canonicalize.NormalizeText(strings.TrimSpace(md.Title))
	md.Author = canonicalize.NormalizeText(md.Author)
	md.Description = canonicalize.NormalizeText(md.Description)
	if md.Title == "" {
		return nil, errors.New("metadata title is required")
	}
	if md.CreatedAt == "" {
		md.CreatedAt = issuedAt.Format(time.RFC3339)
	}

	cert, err := certificate.NewCertificate(format, certificate.Manifest{
		HashAlgorithm: hasher.Algorithm,
		DocumentID:    in.DocumentID,
		Metadata:      md,
		Assets:        assets,
		Segments:      in.Segments,
		OperationLog:  in.Operations,
	})
	if err != nil {
		return nil, err
	}

	for _, s := range opts.Signers {
		if _, err := crypto.SignCertificate(cert, s, issuedAt); err != nil {
			return nil, err
		}
		if opts.Authority == nil {
			continue
		}
		lt, err := opts.Authority.Stamp(ctx, cert.SigningInput())
		if err != nil {
			return nil, fmt.Errorf("timestamp signature of %s: %w", s.KeyID(), err)
		}
		cert.Signatures[len(cert.Signatures)-1].LegalTimestamp = lt
	}

	for _, chain := range opts.Anchors {
		if _, ok := anchor.Lookup(chain); !ok {
			return nil, fmt.Errorf("unknown anchor chain %q", chain)
		}
		cert.Anchors = append(cert.Anchors, certificate.NewPendingAnchor(chain, "", issuedAt))
	}

	logger.InfoContext(ctx, "certificate issued",
		"format", format,
		"manifest_hash", cert.ManifestHash().Hex(),
		"assets", len(assets),
		"signatures", len(cert.Signatures),
	)
	return cert, nil
}

func buildAsset(f File) (string, certificate.Asset, error) {
	name, err := SanitizeFileName(f.FileName)
	if err != nil {
		return "", certificate.Asset{}, err
	}
	id := f.ID
	if id == "" {
		id = name
	}

	var digest hasher.Digest
	size := f.Size
	switch {
	case f.Content != nil:
		if digest, size, err = hasher.Hash(f.Content); err != nil {
			return "", certificate.Asset{}, fmt.Errorf("hash %s: %w", name, err)
		}
	case f.SHA256 != "":
		if digest, err = hasher.ParseDigest(strings.ToLower(strings.TrimSpace(f.SHA256))); err != nil {
			return "", certificate.Asset{}, fmt.Errorf("asset %q: %w", id, err)
		}
	default:
		return "", certificate.Asset{}, fmt.Errorf("asset %q has neither content nor hash", id)
	}

	mediaType := f.MediaType
	if mediaType == "" {
		mediaType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return id, certificate.Asset{FileName: name, MediaType: mediaType, SHA256: digest.Hex(), Size: size}, nil
}

// SanitizeFileName returns the bare, safe file name or an error naming why
// it was refused. Path segments are refused rather than stripped.
func SanitizeFileName(name string) (string, error) {
	trimmed := strings.TrimSpace(canonicalize.NormalizeText(name))
	if trimmed == "" {
		return "", errors.New("missing file name")
	}
	if trimmed == "." || trimmed == ".." {
		return "", fmt.Errorf("invalid file name %q: dot segments are not allowed", name)
	}
	if strings.ContainsAny(trimmed, `/\:`) || path.Base(trimmed) != trimmed {
		return "", fmt.Errorf("invalid file name %q: path segments are not allowed", name)
	}
	if !safeFileName.MatchString(trimmed) {
		return "", fmt.Errorf("invalid file name %q: contains unsupported characters", name)
	}
	return trimmed, nil
}
