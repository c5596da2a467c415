package verifier

import (
	"fmt"
	"strings"

	"github.com/ecosign/ecocert/pkg/anchor"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/custody"
	"github.com/ecosign/ecocert/pkg/faults"
	"github.com/ecosign/ecocert/pkg/timestamp"
)

// Version identifies the report layout.
const Version = "1.0.0"

// Verdict is the headline outcome. Severity order is INVALID > PARTIAL > VALID.
type Verdict string

const (
	VerdictValid   Verdict = "VALID"
	VerdictPartial Verdict = "PARTIAL"
	VerdictInvalid Verdict = "INVALID"
)

func (v Verdict) severity() int {
	switch v {
	case VerdictInvalid:
		return 2
	case VerdictPartial:
		return 1
	}
	return 0
}

// worse returns the more severe of two verdicts.
func worse(a, b Verdict) Verdict {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// State is a step of the verification state machine.
type State string

const (
	StateReceived            State = "RECEIVED"
	StateParsed              State = "PARSED"
	StateStructurallyInvalid State = "STRUCTURALLY_INVALID"
	StateStructurallyValid   State = "STRUCTURALLY_VALID"
	StateSignatureChecked    State = "SIGNATURE_CHECKED"
	StateTimestampChecked    State = "TIMESTAMP_CHECKED"
	StateAnchorChecked       State = "ANCHOR_CHECKED"
	StateReported            State = "REPORTED"
)

// Layer names used in issues.
const (
	LayerStructure = "structure"
	LayerAsset     = "asset"
	LayerSignature = "signature"
	LayerTimestamp = "timestamp"
	LayerAnchor    = "anchor"
)

// Severity of an issue relative to the verdict it forces.
type Severity string

const (
	SeverityError   Severity = "error"   // forces INVALID
	SeverityWarning Severity = "warning" // degrades to PARTIAL
)

// Issue names one failing or unconfirmed check.
type Issue struct {
	Layer    string      `json:"layer"`
	Index    *int        `json:"index,omitempty"`
	Code     faults.Code `json:"code,omitempty"`
	Severity Severity    `json:"severity"`
	Detail   string      `json:"detail"`
}

// AssetMatch reports the comparison of a supplied original file.
type AssetMatch struct {
	AssetID        string      `json:"asset_id,omitempty"`
	FileName       string      `json:"file_name,omitempty"`
	ExpectedSHA256 string      `json:"expected_sha256,omitempty"`
	ActualSHA256   string      `json:"actual_sha256"`
	ExpectedSize   int64       `json:"expected_size,omitempty"`
	ActualSize     int64       `json:"actual_size"`
	Matches        bool        `json:"matches"`
	Code           faults.Code `json:"code,omitempty"`
	Reason         string      `json:"reason"`
}

// Report is the full verification outcome. It carries no wall-clock
// values, so verifying the same inputs twice yields identical bytes.
type Report struct {
	VerifierVersion string                   `json:"verifier_version"`
	Verdict         Verdict                  `json:"verdict"`
	States          []State                  `json:"states"`
	Format          string                   `json:"format,omitempty"`
	Version         string                   `json:"version,omitempty"`
	DocumentID      string                   `json:"document_id,omitempty"`
	Title           string                   `json:"title,omitempty"`
	ManifestHash    string                   `json:"manifest_hash,omitempty"`
	Signatures      []crypto.SignatureResult `json:"signatures"`
	Timestamps      []timestamp.Result       `json:"timestamps"`
	Anchors         []anchor.Result          `json:"anchors"`
	FullyAnchored   bool                     `json:"fully_anchored"`
	Asset           *AssetMatch              `json:"asset,omitempty"`
	Issues          []Issue                  `json:"issues"`
	Custody         *custody.Trail           `json:"custody,omitempty"`
	Summary         string                   `json:"summary"`
}

func (r *Report) enter(s State) { r.States = append(r.States, s) }

func (r *Report) addIssue(layer string, index *int, code faults.Code, sev Severity, detail string) {
	r.Issues = append(r.Issues, Issue{Layer: layer, Index: index, Code: code, Severity: sev, Detail: detail})
	switch sev {
	case SeverityError:
		r.Verdict = worse(r.Verdict, VerdictInvalid)
	case SeverityWarning:
		r.Verdict = worse(r.Verdict, VerdictPartial)
	}
}

// severityOf maps a fault code to the verdict it forces.
func severityOf(c faults.Code) Severity {
	if faults.IsWarning(c) {
		return SeverityWarning
	}
	return SeverityError
}

// Failed lists the layers with error-severity issues, in report order.
func (r *Report) Failed() []string {
	return r.layers(SeverityError)
}

// Unconfirmed lists the layers with warning-severity issues, in report order.
func (r *Report) Unconfirmed() []string {
	return r.layers(SeverityWarning)
}

func (r *Report) layers(sev Severity) []string {
	var out []string
	seen := map[string]bool{}
	for _, is := range r.Issues {
		if is.Severity == sev && !seen[is.Layer] {
			seen[is.Layer] = true
			out = append(out, is.Layer)
		}
	}
	return out
}

func (r *Report) summarize() {
	validSigs := 0
	for _, s := range r.Signatures {
		if s.Valid {
			validSigs++
		}
	}
	confirmedTS := 0
	for _, t := range r.Timestamps {
		if t.Valid {
			confirmedTS++
		}
	}
	confirmedAnchors := 0
	for _, a := range r.Anchors {
		if a.Valid {
			confirmedAnchors++
		}
	}

	parts := []string{fmt.Sprintf("%d/%d signatures valid", validSigs, len(r.Signatures))}
	if r.Asset != nil {
		if r.Asset.Matches {
			parts = append(parts, "original file matches")
		} else {
			parts = append(parts, "original file does not match")
		}
	}
	if len(r.Timestamps) > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d timestamps confirmed", confirmedTS, len(r.Timestamps)))
	}
	if len(r.Anchors) > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d anchors confirmed", confirmedAnchors, len(r.Anchors)))
	}
	if failed := r.Failed(); len(failed) > 0 {
		parts = append(parts, "failed: "+strings.Join(failed, ", "))
	}
	if unconfirmed := r.Unconfirmed(); len(unconfirmed) > 0 {
		parts = append(parts, "unconfirmed: "+strings.Join(unconfirmed, ", "))
	}
	r.Summary = string(r.Verdict) + ": " + strings.Join(parts, "; ")
}
