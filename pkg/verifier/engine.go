// Package verifier runs the layered verification of an evidence
// certificate and produces a three-way verdict.
//
// Structure is checked first and aborts on failure. Signatures, the
// supplied original, timestamps, anchors and the custody trail are then
// checked concurrently and all joined; no layer short-circuits another, so
// the report always enumerates every layer. The engine performs no writes.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ecosign/ecocert/pkg/anchor"
	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/custody"
	"github.com/ecosign/ecocert/pkg/faults"
	"github.com/ecosign/ecocert/pkg/hasher"
	"github.com/ecosign/ecocert/pkg/timestamp"
)

const instrumentation = "github.com/ecosign/ecocert/pkg/verifier"

// SignatureChecker verifies every signature of a certificate.
type SignatureChecker interface {
	VerifyAll(c *certificate.Certificate) []crypto.SignatureResult
}

// TimestampChecker validates one legal timestamp.
type TimestampChecker interface {
	Verify(ctx context.Context, manifestHash hasher.Digest, lt certificate.LegalTimestamp) (timestamp.Result, error)
}

// AnchorChecker validates one anchor.
type AnchorChecker interface {
	Verify(ctx context.Context, manifestHash hasher.Digest, a certificate.Anchor) (anchor.Result, error)
}

// Request is one verification job.
type Request struct {
	Certificate []byte
	// Original, when set, is compared byte-exactly against the manifest.
	Original io.Reader
	// AssetID selects the asset Original is compared with. Optional when
	// the manifest has one asset or the original's hash identifies it.
	AssetID string
	// DocumentID selects the custody trail; defaults to manifest.documentId.
	DocumentID string
}

// Engine verifies certificates. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	signatures SignatureChecker
	timestamps TimestampChecker
	anchors    AnchorChecker
	custody    custody.Reader
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	verdicts metric.Int64Counter
	layers   metric.Int64Counter
	duration metric.Float64Histogram
}

type Option func(*Engine)

func WithSignatureVerifier(s SignatureChecker) Option { return func(e *Engine) { e.signatures = s } }

func WithTimestampValidator(t TimestampChecker) Option { return func(e *Engine) { e.timestamps = t } }

func WithAnchorValidator(a AnchorChecker) Option { return func(e *Engine) { e.anchors = a } }

// WithCustodyReader enables custody trails in reports.
func WithCustodyReader(r custody.Reader) Option { return func(e *Engine) { e.custody = r } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

func WithMeter(m metric.Meter) Option { return func(e *Engine) { e.meter = m } }

// New builds an engine. Unset collaborators fall back to offline defaults:
// self-asserted signature keys, no trusted timestamp authorities and no
// ledger, so timestamps and confirmed anchors report as unconfirmed.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "verifier")
	}
	if e.signatures == nil {
		e.signatures = crypto.NewSignatureVerifier(nil)
	}
	if e.timestamps == nil {
		e.timestamps = timestamp.NewValidator(timestamp.NewTrustStore(), timestamp.WithLogger(e.logger))
	}
	if e.anchors == nil {
		e.anchors = anchor.NewValidator(nil, e.logger)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentation)
	}
	if e.meter == nil {
		e.meter = otel.Meter(instrumentation)
	}

	var err error
	if e.verdicts, err = e.meter.Int64Counter("ecocert.verifications",
		metric.WithDescription("Completed verifications by verdict"),
		metric.WithUnit("{verification}")); err != nil {
		return nil, fmt.Errorf("verifier metrics: %w", err)
	}
	if e.layers, err = e.meter.Int64Counter("ecocert.verification.layer_outcomes",
		metric.WithDescription("Per-layer check outcomes"),
		metric.WithUnit("{check}")); err != nil {
		return nil, fmt.Errorf("verifier metrics: %w", err)
	}
	if e.duration, err = e.meter.Float64Histogram("ecocert.verification.duration",
		metric.WithDescription("Verification duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("verifier metrics: %w", err)
	}
	return e, nil
}

// Verify runs every layer and returns the report. It returns an error only
// when ctx is cancelled or the supplied original cannot be read.
func (e *Engine) Verify(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "ecocert.verify")
	defer span.End()

	rep := &Report{
		VerifierVersion: Version,
		Verdict:         VerdictValid,
		Signatures:      []crypto.SignatureResult{},
		Timestamps:      []timestamp.Result{},
		Anchors:         []anchor.Result{},
		Issues:          []Issue{},
	}
	rep.enter(StateReceived)

	cert, err := certificate.Parse(req.Certificate)
	rep.enter(StateParsed)
	if err != nil {
		rep.enter(StateStructurallyInvalid)
		code := faults.CodeOf(err)
		if code == "" {
			code = faults.CodeMalformedContainer
		}
		rep.addIssue(LayerStructure, nil, code, SeverityError, err.Error())
		return e.finish(ctx, span, start, rep), nil
	}
	rep.enter(StateStructurallyValid)
	rep.Format = cert.Format
	rep.Version = cert.Version
	rep.Title = cert.Manifest.Metadata.Title
	rep.DocumentID = firstNonEmpty(req.DocumentID, cert.Manifest.DocumentID)
	manifestHash := cert.ManifestHash()
	rep.ManifestHash = manifestHash.Hex()

	var (
		sigResults []crypto.SignatureResult
		tsResults  = make([]*timestamp.Result, len(cert.Signatures))
		anResults  = make([]anchor.Result, len(cert.Anchors))
		asset      *AssetMatch
		trail      *custody.Trail
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, s := e.tracer.Start(gctx, "ecocert.verify.signatures")
		defer s.End()
		sigResults = e.signatures.VerifyAll(cert)
		return nil
	})
	if req.Original != nil {
		g.Go(func() error {
			_, s := e.tracer.Start(gctx, "ecocert.verify.original")
			defer s.End()
			m, err := matchOriginal(cert, req.Original, req.AssetID)
			if err != nil {
				return err
			}
			asset = m
			return nil
		})
	}
	for i, sig := range cert.Signatures {
		if sig.LegalTimestamp == nil {
			continue
		}
		lt := *sig.LegalTimestamp
		g.Go(func() error {
			sctx, s := e.tracer.Start(gctx, "ecocert.verify.timestamp", trace.WithAttributes(attribute.Int("signature.index", i)))
			defer s.End()
			res, err := e.timestamps.Verify(sctx, manifestHash, lt)
			if err != nil {
				return err
			}
			res.SignatureIndex = i
			tsResults[i] = &res
			return nil
		})
	}
	for i, a := range cert.Anchors {
		g.Go(func() error {
			sctx, s := e.tracer.Start(gctx, "ecocert.verify.anchor", trace.WithAttributes(attribute.String("anchor.chain", a.Chain)))
			defer s.End()
			res, err := e.anchors.Verify(sctx, manifestHash, a)
			if err != nil {
				return err
			}
			res.Index = i
			anResults[i] = res
			return nil
		})
	}
	if e.custody != nil && rep.DocumentID != "" {
		g.Go(func() error {
			sctx, s := e.tracer.Start(gctx, "ecocert.verify.custody")
			defer s.End()
			events, err := e.custody.LoadEvents(sctx, rep.DocumentID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.logger.WarnContext(ctx, "custody log unavailable", "document_id", rep.DocumentID, "error", err)
			}
			t := custody.BuildTrail(rep.DocumentID, events, err)
			trail = &t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	if asset != nil {
		rep.Asset = asset
		if !asset.Matches {
			rep.addIssue(LayerAsset, nil, asset.Code, SeverityError, asset.Reason)
		}
	}
	e.recordLayer(ctx, LayerAsset, asset != nil, asset != nil && asset.Matches)

	rep.Signatures = sigResults
	for _, r := range sigResults {
		if !r.Valid {
			rep.addIssue(LayerSignature, intPtr(r.Index), r.Code, SeverityError,
				fmt.Sprintf("signature %d (%s): %s", r.Index, r.KeyID, r.Reason))
		}
		e.recordLayer(ctx, LayerSignature, true, r.Valid)
	}
	rep.enter(StateSignatureChecked)

	for _, r := range tsResults {
		if r == nil {
			continue
		}
		rep.Timestamps = append(rep.Timestamps, *r)
		if !r.Valid {
			rep.addIssue(LayerTimestamp, intPtr(r.SignatureIndex), r.Code, severityOf(r.Code),
				fmt.Sprintf("timestamp on signature %d: %s", r.SignatureIndex, r.Reason))
		}
		e.recordLayer(ctx, LayerTimestamp, true, r.Valid)
	}
	rep.enter(StateTimestampChecked)

	rep.Anchors = anResults
	for _, r := range anResults {
		switch r.Outcome {
		case anchor.OutcomeConfirmed:
		case anchor.OutcomePending:
			rep.addIssue(LayerAnchor, intPtr(r.Index), r.Code, SeverityWarning,
				fmt.Sprintf("%s anchor pending: %s", r.Chain, r.Reason))
		default:
			rep.addIssue(LayerAnchor, intPtr(r.Index), r.Code, severityOf(r.Code),
				fmt.Sprintf("%s anchor: %s", r.Chain, r.Reason))
		}
		e.recordLayer(ctx, LayerAnchor, true, r.Valid)
	}
	rep.FullyAnchored = anchor.FullyAnchored(anResults)
	rep.enter(StateAnchorChecked)

	rep.Custody = trail
	return e.finish(ctx, span, start, rep), nil
}

func (e *Engine) finish(ctx context.Context, span trace.Span, start time.Time, rep *Report) *Report {
	rep.enter(StateReported)
	rep.summarize()

	attrs := metric.WithAttributes(attribute.String("verdict", string(rep.Verdict)))
	e.verdicts.Add(ctx, 1, attrs)
	e.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(
		attribute.String("ecocert.verdict", string(rep.Verdict)),
		attribute.String("ecocert.manifest_hash", rep.ManifestHash),
	)
	e.logger.InfoContext(ctx, "verification complete",
		"verdict", rep.Verdict,
		"manifest_hash", rep.ManifestHash,
		"issues", len(rep.Issues),
	)
	return rep
}

func (e *Engine) recordLayer(ctx context.Context, layer string, ran, ok bool) {
	if !ran {
		return
	}
	outcome := "pass"
	if !ok {
		outcome = "fail"
	}
	e.layers.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer), attribute.String("outcome", outcome)))
}

// matchOriginal hashes the original and compares it with the selected
// asset. With no asset id and several assets, the asset whose recorded
// hash equals the original's is selected.
func matchOriginal(cert *certificate.Certificate, original io.Reader, assetID string) (*AssetMatch, error) {
	digest, size, err := hasher.Hash(original)
	if err != nil {
		return nil, fmt.Errorf("read original: %w", err)
	}
	m := &AssetMatch{ActualSHA256: digest.Hex(), ActualSize: size}

	ids := cert.AssetIDs()
	switch {
	case assetID != "":
		if _, ok := cert.Manifest.Assets[assetID]; !ok {
			m.AssetID = assetID
			m.Code = faults.CodeAssetUnknown
			m.Reason = fmt.Sprintf("manifest has no asset %q", assetID)
			return m, nil
		}
	case len(ids) == 1:
		assetID = ids[0]
	default:
		for _, id := range ids {
			if want, err := hasher.ParseDigest(cert.Manifest.Assets[id].SHA256); err == nil && want.Equal(digest) {
				assetID = id
				break
			}
		}
		if assetID == "" {
			m.Code = faults.CodeHashMismatch
			m.Reason = fmt.Sprintf("original hash %s matches none of the %d manifest assets", digest.Hex(), len(ids))
			return m, nil
		}
	}

	a := cert.Manifest.Assets[assetID]
	m.AssetID = assetID
	m.FileName = a.FileName
	m.ExpectedSHA256 = a.SHA256
	m.ExpectedSize = a.Size

	want, err := hasher.ParseDigest(a.SHA256)
	if err != nil {
		m.Code = faults.CodeHashMismatch
		m.Reason = fmt.Sprintf("asset %q records an unusable hash: %v", assetID, err)
		return m, nil
	}
	if !want.Equal(digest) {
		m.Code = faults.CodeHashMismatch
		m.Reason = fmt.Sprintf("original hash %s differs from recorded %s", digest.Hex(), a.SHA256)
		if size != a.Size {
			m.Reason += fmt.Sprintf(" (size %d, recorded %d)", size, a.Size)
		}
		return m, nil
	}
	m.Matches = true
	m.Reason = "original file is byte-identical to the certified asset"
	return m, nil
}

// IsCancelled reports whether err came from a cancelled verification.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func intPtr(i int) *int { return &i }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
