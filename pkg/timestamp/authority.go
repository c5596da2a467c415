package timestamp

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	rfc3161 "github.com/digitorus/timestamp"

	"github.com/ecosign/ecocert/pkg/canonicalize"
	"github.com/ecosign/ecocert/pkg/certificate"
	ecocrypto "github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/hasher"
	"github.com/ecosign/ecocert/pkg/remote"
)

// Stamper obtains a legal timestamp over a manifest's signing input.
type Stamper interface {
	Stamp(ctx context.Context, signingInput []byte) (*certificate.LegalTimestamp, error)
}

// Ed25519Authority issues signed JSON tokens. It backs the local
// development authority and tests; production deployments point certify at
// an RFC 3161 service through RFC3161Client.
type Ed25519Authority struct {
	Name   string
	Policy string
	signer *ecocrypto.Ed25519Signer
	now    func() time.Time
	serial atomic.Uint64
}

func NewEd25519Authority(name, policy string, signer *ecocrypto.Ed25519Signer) *Ed25519Authority {
	return &Ed25519Authority{Name: name, Policy: policy, signer: signer, now: time.Now}
}

// WithClock fixes the authority's clock.
func (a *Ed25519Authority) WithClock(now func() time.Time) *Ed25519Authority {
	a.now = now
	return a
}

// KeyID returns the id verifiers must trust.
func (a *Ed25519Authority) KeyID() string { return a.signer.KeyID() }

// PublicKey returns the hex public key verifiers must trust.
func (a *Ed25519Authority) PublicKey() string { return a.signer.PublicKey() }

func (a *Ed25519Authority) Stamp(_ context.Context, signingInput []byte) (*certificate.LegalTimestamp, error) {
	return a.StampHash(hasher.HashBytes(signingInput))
}

// StampHash issues a token over an already computed manifest hash.
func (a *Ed25519Authority) StampHash(h hasher.Digest) (*certificate.LegalTimestamp, error) {
	gen := a.now().UTC().Truncate(time.Second)
	serial := strconv.FormatUint(a.serial.Add(1), 10)
	body := jsonToken{
		Version:       EncodingSignedJSON,
		TSA:           a.Name,
		KeyID:         a.signer.KeyID(),
		HashAlgorithm: hasher.Algorithm,
		HashedMessage: h.Hex(),
		GenTime:       gen.Format(time.RFC3339),
		Policy:        a.Policy,
		SerialNumber:  serial,
	}
	input, err := canonicalize.JCS(body)
	if err != nil {
		return nil, err
	}
	if body.Signature, err = a.signer.Sign(input); err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	raw, err := canonicalize.JCS(body)
	if err != nil {
		return nil, err
	}
	return &certificate.LegalTimestamp{
		Token:        base64.StdEncoding.EncodeToString(raw),
		TSA:          a.Name,
		Timestamp:    body.GenTime,
		Policy:       a.Policy,
		SerialNumber: serial,
	}, nil
}

// RFC3161Client requests tokens from an RFC 3161 time-stamp authority.
type RFC3161Client struct {
	url    string
	name   string
	client *remote.Client
}

func NewRFC3161Client(url, name string, client *remote.Client) *RFC3161Client {
	return &RFC3161Client{url: url, name: name, client: client}
}

func (c *RFC3161Client) Stamp(ctx context.Context, signingInput []byte) (*certificate.LegalTimestamp, error) {
	req, err := rfc3161.CreateRequest(bytes.NewReader(signingInput), &rfc3161.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build timestamp request: %w", err)
	}
	body, err := c.client.PostRaw(ctx, c.url, "application/timestamp-query", req)
	if err != nil {
		return nil, fmt.Errorf("timestamp authority %s: %w", c.name, err)
	}
	ts, err := rfc3161.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("timestamp authority %s: %w", c.name, err)
	}
	if want := hasher.HashBytes(signingInput); !bytes.Equal(ts.HashedMessage, want[:]) {
		return nil, fmt.Errorf("timestamp authority %s answered for hash %s", c.name, hex.EncodeToString(ts.HashedMessage))
	}
	lt := &certificate.LegalTimestamp{
		Token:     base64.StdEncoding.EncodeToString(ts.RawToken),
		TSA:       c.name,
		Timestamp: ts.Time.UTC().Format(time.RFC3339),
		Policy:    ts.Policy.String(),
	}
	if ts.SerialNumber != nil {
		lt.SerialNumber = ts.SerialNumber.String()
	}
	return lt, nil
}
