// Package certificate defines the portable evidence container (.ECO/.ECOX)
// and decodes serialized containers into validated, typed values.
//
// A Certificate keeps the manifest bytes it was decoded from. The signing
// input is always the RFC 8785 canonical form of those bytes, never a
// re-encoding of the typed Manifest, so fields this package does not model
// stay covered by every signature.
package certificate

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ecosign/ecocert/pkg/canonicalize"
	"github.com/ecosign/ecocert/pkg/hasher"
)

// Container formats.
const (
	FormatECOX = "ecox"
	FormatECO  = "eco"
)

// CurrentVersion is written by certify.
const CurrentVersion = "1.0.0"

// Certificate is the evidence container.
type Certificate struct {
	Format     string      `json:"format"`
	Version    string      `json:"version"`
	Manifest   Manifest    `json:"manifest"`
	Signatures []Signature `json:"signatures"`
	Anchors    []Anchor    `json:"anchors,omitempty"`

	rawManifest json.RawMessage
	canonical   []byte
	variant     *Variant
}

// Manifest describes what was certified.
type Manifest struct {
	HashAlgorithm string           `json:"hashAlgorithm"`
	DocumentID    string           `json:"documentId,omitempty"`
	Metadata      Metadata         `json:"metadata"`
	Assets        map[string]Asset `json:"assets"`
	Segments      []Segment        `json:"segments,omitempty"`
	OperationLog  []OperationEntry `json:"operationLog,omitempty"`
}

// Metadata is descriptive and not trust-bearing.
type Metadata struct {
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

// Asset fingerprints one original file.
type Asset struct {
	FileName  string `json:"fileName"`
	MediaType string `json:"mediaType"`
	SHA256    string `json:"sha256"`
	Size      int64  `json:"size"`
}

// Segment marks a structural region of an asset.
type Segment struct {
	ID               string   `json:"id"`
	AssetID          string   `json:"assetId"`
	StartTime        float64  `json:"startTime,omitempty"`
	EndTime          float64  `json:"endTime,omitempty"`
	ProjectStartTime float64  `json:"projectStartTime,omitempty"`
	Speed            *float64 `json:"speed,omitempty"`
	Volume           *float64 `json:"volume,omitempty"`
}

// OperationEntry is one frozen custody event embedded at issuance.
type OperationEntry struct {
	OpID      string         `json:"opId"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Signature is a detached signature over the canonical manifest.
type Signature struct {
	Algorithm      string          `json:"algorithm"`
	KeyID          string          `json:"keyId"`
	PublicKey      string          `json:"publicKey"`
	CreatedAt      string          `json:"createdAt"`
	Signature      string          `json:"signature"`
	LegalTimestamp *LegalTimestamp `json:"legalTimestamp,omitempty"`
}

// LegalTimestamp carries a third-party time-stamp token. Token is the
// base64 encoding of the provider's proof blob.
type LegalTimestamp struct {
	Token        string `json:"token"`
	TSA          string `json:"tsa"`
	Timestamp    string `json:"timestamp,omitempty"`
	Policy       string `json:"policy,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// NewCertificate wraps a manifest built at issuance. The manifest is
// canonicalized immediately and frozen: later edits to c.Manifest do not
// change what signers sign. A manifest that Parse would reject fails here
// with MalformedContainerError, before any signature exists.
func NewCertificate(format string, m Manifest) (*Certificate, error) {
	v, err := lookupVariant(format, CurrentVersion)
	if err != nil {
		return nil, err
	}
	if m.HashAlgorithm == "" {
		m.HashAlgorithm = hasher.Algorithm
	}
	raw, err := canonicalize.JCS(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}
	if err := validateJSON(v.manifest, raw); err != nil {
		return nil, err
	}
	c := &Certificate{
		Format:      format,
		Version:     CurrentVersion,
		Manifest:    m,
		rawManifest: raw,
		canonical:   raw,
		variant:     v,
	}
	if err := checkStructure(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SigningInput returns the exact bytes every signature covers.
func (c *Certificate) SigningInput() []byte {
	return c.canonical
}

// ManifestHash is the hex SHA-256 of the signing input. Timestamp tokens
// and ledger anchors commit to this value.
func (c *Certificate) ManifestHash() hasher.Digest {
	return hasher.HashBytes(c.canonical)
}

// Variant returns the container variant matched at parse time.
func (c *Certificate) Variant() *Variant { return c.variant }

// AssetIDs returns asset identifiers in sorted order.
func (c *Certificate) AssetIDs() []string {
	ids := make([]string, 0, len(c.Manifest.Assets))
	for id := range c.Manifest.Assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON emits the container with the manifest bytes it was decoded
// from, so a parsed certificate re-serializes without drift.
func (c *Certificate) MarshalJSON() ([]byte, error) {
	type envelope struct {
		Format     string          `json:"format"`
		Version    string          `json:"version"`
		Manifest   json.RawMessage `json:"manifest"`
		Signatures []Signature     `json:"signatures"`
		Anchors    []Anchor        `json:"anchors,omitempty"`
	}
	raw := c.rawManifest
	if raw == nil {
		var err error
		if raw, err = canonicalize.JCS(c.Manifest); err != nil {
			return nil, err
		}
	}
	return json.Marshal(envelope{
		Format:     c.Format,
		Version:    c.Version,
		Manifest:   raw,
		Signatures: c.Signatures,
		Anchors:    c.Anchors,
	})
}

// Marshal returns the indented serialized container.
func (c *Certificate) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ParseTime accepts RFC 3339 timestamps with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
