//go:build property

package verifier

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ecosign/ecocert/pkg/certificate"
	"github.com/ecosign/ecocert/pkg/certify"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/faults"
)

func TestRoundTripAndTamperProperties(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("prop")
	if err != nil {
		t.Fatal(err)
	}
	engine, err := New()
	if err != nil {
		t.Fatal(err)
	}

	certifyBytes := func(data []byte) []byte {
		cert, err := certify.Certify(context.Background(), certify.Input{
			Metadata: certificate.Metadata{Title: "property"},
			Files:    []certify.File{{FileName: "blob.bin", Content: bytes.NewReader(data)}},
		}, certify.Options{Signers: []crypto.Signer{signer}, Now: func() time.Time { return issuedAt }})
		if err != nil {
			t.Fatal(err)
		}
		raw, err := cert.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("certify then verify is VALID", prop.ForAll(
		func(data []byte) bool {
			rep, err := engine.Verify(context.Background(), Request{Certificate: certifyBytes(data), Original: bytes.NewReader(data)})
			return err == nil && rep.Verdict == VerdictValid
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("any single flipped byte is INVALID with a hash mismatch", prop.ForAll(
		func(data []byte, idx int, mask uint8) bool {
			raw := certifyBytes(data)
			tampered := bytes.Clone(data)
			tampered[idx%len(data)] ^= mask | 1
			rep, err := engine.Verify(context.Background(), Request{Certificate: raw, Original: bytes.NewReader(tampered)})
			return err == nil &&
				rep.Verdict == VerdictInvalid &&
				len(rep.Issues) == 1 &&
				rep.Issues[0].Code == faults.CodeHashMismatch
		},
		gen.SliceOfN(32, gen.UInt8()).SuchThat(func(b []byte) bool { return len(b) > 0 }),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
