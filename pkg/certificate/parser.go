package certificate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ecosign/ecocert/pkg/canonicalize"
	"github.com/ecosign/ecocert/pkg/faults"
)

// MaxContainerSize bounds the serialized container.
const MaxContainerSize = 1 << 20

// Parse decodes and structurally validates a serialized container. It makes
// no trust decisions. Failures are *faults.Error with code
// MalformedContainerError or UnsupportedVersionError.
func Parse(raw []byte) (*Certificate, error) {
	if len(raw) == 0 {
		return nil, faults.New(faults.CodeMalformedContainer, "empty input")
	}
	if len(raw) > MaxContainerSize {
		return nil, faults.New(faults.CodeMalformedContainer, "container is %d bytes, limit is %d", len(raw), MaxContainerSize)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, faults.Wrap(faults.CodeMalformedContainer, err, "not a JSON object")
	}
	if err := rejectDuplicateKeys(raw); err != nil {
		return nil, faults.Wrap(faults.CodeMalformedContainer, err, "ambiguous JSON")
	}

	format, err := requiredString(top, "format")
	if err != nil {
		return nil, err
	}
	version, err := requiredString(top, "version")
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"manifest", "signatures"} {
		if v, ok := top[key]; !ok || isEmptyJSON(v) {
			return nil, faults.New(faults.CodeMalformedContainer, "missing or empty %q", key)
		}
	}

	variant, err := lookupVariant(format, version)
	if err != nil {
		return nil, err
	}

	if err := validateJSON(variant.schema, raw); err != nil {
		return nil, err
	}

	cert := &Certificate{}
	if err := json.Unmarshal(raw, cert); err != nil {
		return nil, faults.Wrap(faults.CodeMalformedContainer, err, "decode")
	}
	if err := checkStructure(cert); err != nil {
		return nil, err
	}

	canonical, err := canonicalize.Transform(top["manifest"])
	if err != nil {
		return nil, faults.Wrap(faults.CodeMalformedContainer, err, "canonicalize manifest")
	}
	cert.rawManifest = top["manifest"]
	cert.canonical = canonical
	cert.variant = variant
	return cert, nil
}

// ParseReader reads at most MaxContainerSize+1 bytes from r and parses them.
func ParseReader(r io.Reader) (*Certificate, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxContainerSize+1))
	if err != nil {
		return nil, faults.Wrap(faults.CodeIO, err, "read container")
	}
	return Parse(raw)
}

func requiredString(top map[string]json.RawMessage, key string) (string, error) {
	v, ok := top[key]
	if !ok {
		return "", faults.New(faults.CodeMalformedContainer, "missing %q", key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", faults.New(faults.CodeMalformedContainer, "%q must be a non-empty string", key)
	}
	return s, nil
}

func isEmptyJSON(v json.RawMessage) bool {
	t := bytes.TrimSpace(v)
	switch string(t) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	// Report the deepest cause; it names the offending location.
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return fmt.Sprintf("%s: %s", ve.InstanceLocation, ve.Message)
}

func checkStructure(c *Certificate) error {
	m := c.Manifest
	for _, seg := range m.Segments {
		if _, ok := m.Assets[seg.AssetID]; !ok {
			return faults.New(faults.CodeMalformedContainer, "segment %q references unknown asset %q", seg.ID, seg.AssetID)
		}
	}
	seenSeg := make(map[string]bool, len(m.Segments))
	for _, seg := range m.Segments {
		if seenSeg[seg.ID] {
			return faults.New(faults.CodeMalformedContainer, "duplicate segment id %q", seg.ID)
		}
		seenSeg[seg.ID] = true
	}
	seenOp := make(map[string]bool, len(m.OperationLog))
	for _, op := range m.OperationLog {
		if seenOp[op.OpID] {
			return faults.New(faults.CodeMalformedContainer, "duplicate operation id %q", op.OpID)
		}
		seenOp[op.OpID] = true
		if _, err := ParseTime(op.Timestamp); err != nil {
			return faults.New(faults.CodeMalformedContainer, "operation %q has invalid timestamp %q", op.OpID, op.Timestamp)
		}
	}
	for i, a := range c.Anchors {
		switch a.Status {
		case AnchorConfirmed:
			if a.Proof == nil || a.ConfirmedAt == nil || a.TransactionReference == "" {
				return faults.New(faults.CodeMalformedContainer, "anchor %d (%s) is confirmed but lacks proof, confirmedAt or transactionReference", i, a.Chain)
			}
			if a.Proof.LeafIndex >= a.Proof.TreeSize {
				return faults.New(faults.CodeMalformedContainer, "anchor %d (%s) leaf index %d outside tree of size %d", i, a.Chain, a.Proof.LeafIndex, a.Proof.TreeSize)
			}
		case AnchorPending:
			if a.ConfirmedAt != nil {
				return faults.New(faults.CodeMalformedContainer, "anchor %d (%s) is pending but carries confirmedAt", i, a.Chain)
			}
		}
	}
	return nil
}

// rejectDuplicateKeys walks the token stream and fails on any object that
// repeats a key. encoding/json keeps the last value silently, which would let
// two readers of one container disagree about an asset's hash.
func rejectDuplicateKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return walkValue(dec, "$")
}

func walkValue(dec *json.Decoder, path string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := map[string]bool{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return err
			}
			key := kt.(string)
			if seen[key] {
				return fmt.Errorf("duplicate key %q at %s", key, path)
			}
			seen[key] = true
			if err := walkValue(dec, path+"."+key); err != nil {
				return err
			}
		}
	case '[':
		for i := 0; dec.More(); i++ {
			if err := walkValue(dec, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	_, err = dec.Token()
	return err
}
