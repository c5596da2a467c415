// Package timestamp validates third-party time-stamp tokens against a
// manifest hash, locally when the authority's key material is known and
// through a validation service otherwise.
package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/faults"
	"github.com/ecosign/ecocert/pkg/hasher"
)

// Status is the outcome class of one token check.
type Status string

const (
	// StatusConfirmed: bound to the manifest hash and the authority signature verified.
	StatusConfirmed Status = "confirmed"
	// StatusUnconfirmed: structurally consistent but the authority could not be resolved.
	StatusUnconfirmed Status = "unconfirmed"
	// StatusInvalid: the token provably does not vouch for this manifest.
	StatusInvalid Status = "invalid"
)

// Result reports one legal timestamp.
type Result struct {
	SignatureIndex int         `json:"signature_index"`
	Status         Status      `json:"status"`
	Valid          bool        `json:"valid"`
	Encoding       string      `json:"encoding,omitempty"`
	Authority      string      `json:"authority,omitempty"`
	ConfirmedAt    *time.Time  `json:"confirmed_at,omitempty"`
	SerialNumber   string      `json:"serial_number,omitempty"`
	Source         string      `json:"source,omitempty"`
	Code           faults.Code `json:"code,omitempty"`
	Reason         string      `json:"reason"`
}

// Verification sources.
const (
	SourceLocal   = "local"
	SourceService = "service"
)

// Service is the remote validation collaborator, consulted only when the
// authority cannot be resolved locally.
type Service interface {
	Validate(ctx context.Context, req ServiceRequest) (*ServiceVerdict, error)
}

// ServiceRequest is the body sent to the validation service.
type ServiceRequest struct {
	Token        string `json:"token"`
	ManifestHash string `json:"manifestHash"`
}

// ServiceVerdict is the service's structured answer. HashMatches and
// SignatureValid are tri-state: only an explicit false is a dispute, an
// omitted field leaves the token unconfirmed.
type ServiceVerdict struct {
	Valid          bool       `json:"valid"`
	HashMatches    *bool      `json:"hashMatches,omitempty"`
	SignatureValid *bool      `json:"signatureValid,omitempty"`
	Authority      string     `json:"authority,omitempty"`
	GenTime        *time.Time `json:"genTime,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Validator checks legal timestamps.
type Validator struct {
	trust   *TrustStore
	service Service
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithService sets the fallback validation service.
func WithService(s Service) Option { return func(v *Validator) { v.service = s } }

func WithLogger(l *slog.Logger) Option { return func(v *Validator) { v.logger = l } }

func NewValidator(trust *TrustStore, opts ...Option) *Validator {
	v := &Validator{trust: trust}
	for _, o := range opts {
		o(v)
	}
	if v.logger == nil {
		v.logger = slog.Default().With("component", "timestamp")
	}
	return v
}

// Verify checks that lt commits to manifestHash and was issued by a
// resolvable authority. Hash-binding and signature failures are final and
// never sent to the service. Only context cancellation returns an error.
func (v *Validator) Verify(ctx context.Context, manifestHash hasher.Digest, lt certificate.LegalTimestamp) (Result, error) {
	d, err := decodeToken(lt.Token)
	var sigErr *tokenSignatureError
	switch {
	case errors.As(err, &sigErr):
		return invalid(faults.CodeTokenSignatureInvalid, "%v", err), nil
	case err != nil:
		return invalid(faults.CodeTimestampTokenMalformed, "%v", err), nil
	}

	res := Result{
		Encoding:     d.Encoding,
		Authority:    firstNonEmpty(d.Authority, lt.TSA),
		SerialNumber: d.SerialNumber,
	}

	if d.HashAlgorithm != crypto.SHA256 {
		return withBase(res, invalid(faults.CodeTimestampHashMismatch, "token uses %v, manifest hash is SHA-256", d.HashAlgorithm)), nil
	}
	if !bytes.Equal(d.HashedMessage, manifestHash[:]) {
		return withBase(res, invalid(faults.CodeTimestampHashMismatch, "token commits to %x, not to manifest hash %s", d.HashedMessage, manifestHash.Hex())), nil
	}

	resolved, reason, err := v.verifyLocally(d)
	if err != nil {
		return withBase(res, invalid(faults.CodeTokenSignatureInvalid, "%v", err)), nil
	}
	if resolved {
		gen := d.GenTime.UTC()
		res.Status = StatusConfirmed
		res.Valid = true
		res.ConfirmedAt = &gen
		res.Source = SourceLocal
		res.Reason = reason
		return res, nil
	}

	return v.askService(ctx, res, d, lt, manifestHash, reason)
}

// verifyLocally returns resolved=true when the signature verified against
// trusted key material, and an error when it provably fails.
func (v *Validator) verifyLocally(d *decoded) (bool, string, error) {
	switch d.Encoding {
	case EncodingSignedJSON:
		pub, ok := v.trust.authorityKey(d.keyID)
		if !ok {
			return false, fmt.Sprintf("authority key %q is not in the local trust store", d.keyID), nil
		}
		if !d.verifyEd25519(pub) {
			return false, "", fmt.Errorf("token signature does not verify under authority key %q", d.keyID)
		}
		return true, fmt.Sprintf("signed by trusted authority key %q", d.keyID), nil
	case EncodingRFC3161:
		if !d.sigVerified {
			return false, "token carries no signer certificate", nil
		}
		roots := v.trust.rootPool()
		if roots == nil {
			return false, "no trusted RFC 3161 roots configured", nil
		}
		if err := d.p7.VerifyWithChain(roots); err != nil {
			return false, fmt.Sprintf("signer certificate does not chain to a trusted root: %v", err), nil
		}
		return true, "signer certificate chains to a trusted root", nil
	default:
		return false, "unsigned legacy token cannot be confirmed locally", nil
	}
}

func (v *Validator) askService(ctx context.Context, res Result, d *decoded, lt certificate.LegalTimestamp, manifestHash hasher.Digest, localReason string) (Result, error) {
	unresolved := func(reason string) Result {
		res.Status = StatusUnconfirmed
		res.Code = faults.CodeAuthorityUnresolved
		res.Reason = reason
		return res
	}
	if v.service == nil {
		return unresolved(localReason + "; no validation service configured"), nil
	}

	verdict, err := v.service.Validate(ctx, ServiceRequest{Token: lt.Token, ManifestHash: manifestHash.Hex()})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		v.logger.Warn("timestamp service unavailable", "authority", res.Authority, "error", err)
		return unresolved(fmt.Sprintf("%s; validation service unavailable: %v", localReason, err)), nil
	}

	res.Source = SourceService
	switch {
	case isFalse(verdict.HashMatches):
		return withBase(res, invalid(faults.CodeTimestampHashMismatch, "validation service disputes the hash binding: %s", verdict.Reason)), nil
	case isFalse(verdict.SignatureValid):
		return withBase(res, invalid(faults.CodeTokenSignatureInvalid, "validation service rejects the token signature: %s", verdict.Reason)), nil
	case !verdict.Valid:
		return unresolved("validation service could not confirm the token: " + verdict.Reason), nil
	}
	gen := d.GenTime.UTC()
	if verdict.GenTime != nil {
		gen = verdict.GenTime.UTC()
	}
	res.Status = StatusConfirmed
	res.Valid = true
	res.ConfirmedAt = &gen
	res.Authority = firstNonEmpty(verdict.Authority, res.Authority)
	res.Reason = "confirmed by validation service"
	return res, nil
}

func isFalse(b *bool) bool { return b != nil && !*b }

func invalid(code faults.Code, format string, args ...any) Result {
	return Result{Status: StatusInvalid, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// withBase copies decoded token facts onto a failure result.
func withBase(base, r Result) Result {
	r.Encoding = base.Encoding
	r.Authority = base.Authority
	r.SerialNumber = base.SerialNumber
	r.Source = base.Source
	return r
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
