package certificate

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecosign/ecocert/pkg/faults"
	"github.com/ecosign/ecocert/pkg/hasher"
)

func testManifest() Manifest {
	return Manifest{
		DocumentID: "doc-1",
		Metadata: Metadata{
			Title:     "Contract",
			Author:    "Ana",
			CreatedAt: "2025-01-02T03:04:05Z",
		},
		Assets: map[string]Asset{
			"main": {
				FileName:  "contract.pdf",
				MediaType: "application/pdf",
				SHA256:    hasher.HashBytes([]byte("hello-eco")).Hex(),
				Size:      9,
			},
		},
	}
}

func signedContainer(t *testing.T) []byte {
	t.Helper()
	cert, err := NewCertificate(FormatECOX, testManifest())
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
	require.NoError(t, err)
	cert.Signatures = append(cert.Signatures, Signature{
		Algorithm: "Ed25519",
		KeyID:     "issuer",
		PublicKey: hex.EncodeToString(pub),
		CreatedAt: "2025-01-02T03:04:06Z",
		Signature: hex.EncodeToString(ed25519.Sign(priv, cert.SigningInput())),
	})
	raw, err := cert.Marshal()
	require.NoError(t, err)
	return raw
}

// mutate decodes raw into a generic map, applies fn and re-encodes.
func mutate(t *testing.T, raw []byte, fn func(doc map[string]any)) []byte {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	fn(doc)
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func manifestOf(doc map[string]any) map[string]any {
	return doc["manifest"].(map[string]any)
}

func TestParseRoundTrip(t *testing.T) {
	raw := signedContainer(t)

	cert, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, FormatECOX, cert.Format)
	assert.Equal(t, CurrentVersion, cert.Version)
	assert.Equal(t, "sha256", cert.Manifest.HashAlgorithm)
	assert.Equal(t, []string{"main"}, cert.AssetIDs())
	require.Len(t, cert.Signatures, 1)
	assert.Equal(t, FormatECOX, cert.Variant().Format)

	pub, _ := hex.DecodeString(cert.Signatures[0].PublicKey)
	sig, _ := hex.DecodeString(cert.Signatures[0].Signature)
	assert.True(t, ed25519.Verify(pub, cert.SigningInput(), sig), "signing input must reproduce signed bytes")

	again, err := cert.Marshal()
	require.NoError(t, err)
	reparsed, err := Parse(again)
	require.NoError(t, err)
	assert.Equal(t, cert.ManifestHash(), reparsed.ManifestHash())
}

func TestParseSigningInputIgnoresWhitespace(t *testing.T) {
	raw := signedContainer(t)
	var compact bytes.Buffer
	require.NoError(t, json.Compact(&compact, raw))

	a, err := Parse(raw)
	require.NoError(t, err)
	b, err := Parse(compact.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a.SigningInput(), b.SigningInput())
}

func TestParseKeepsUnmodelledManifestFields(t *testing.T) {
	raw := signedContainer(t)
	base, err := Parse(raw)
	require.NoError(t, err)

	extended := mutate(t, raw, func(doc map[string]any) {
		manifestOf(doc)["x-extension"] = "covered"
	})
	cert, err := Parse(extended)
	require.NoError(t, err)
	assert.Contains(t, string(cert.SigningInput()), `"x-extension":"covered"`)
	assert.NotEqual(t, base.ManifestHash(), cert.ManifestHash())
}

func TestParseMalformed(t *testing.T) {
	raw := signedContainer(t)

	cases := map[string][]byte{
		"empty":          nil,
		"not json":       []byte("PK\x03\x04 zip bytes"),
		"array":          []byte(`[1,2,3]`),
		"null":           []byte(`null`),
		"truncated":      raw[:len(raw)/2],
		"oversized":      bytes.Repeat([]byte(" "), MaxContainerSize+1),
		"missing format": mutate(t, raw, func(d map[string]any) { delete(d, "format") }),
		"numeric format": mutate(t, raw, func(d map[string]any) { d["format"] = 1 }),
		"missing version": mutate(t, raw, func(d map[string]any) {
			delete(d, "version")
		}),
		"no signatures": mutate(t, raw, func(d map[string]any) { d["signatures"] = []any{} }),
		"missing manifest": mutate(t, raw, func(d map[string]any) {
			delete(d, "manifest")
		}),
		"unknown top-level field": mutate(t, raw, func(d map[string]any) { d["extra"] = true }),
		"bad asset hash": mutate(t, raw, func(d map[string]any) {
			a := manifestOf(d)["assets"].(map[string]any)["main"].(map[string]any)
			a["sha256"] = strings.Repeat("Z", 64)
		}),
		"unsafe file name": mutate(t, raw, func(d map[string]any) {
			a := manifestOf(d)["assets"].(map[string]any)["main"].(map[string]any)
			a["fileName"] = "../etc/passwd"
		}),
		"negative size": mutate(t, raw, func(d map[string]any) {
			a := manifestOf(d)["assets"].(map[string]any)["main"].(map[string]any)
			a["size"] = -1
		}),
		"fractional size": mutate(t, raw, func(d map[string]any) {
			a := manifestOf(d)["assets"].(map[string]any)["main"].(map[string]any)
			a["size"] = 9.5
		}),
		"long title": mutate(t, raw, func(d map[string]any) {
			manifestOf(d)["metadata"].(map[string]any)["title"] = strings.Repeat("t", 513)
		}),
		"other hash algorithm": mutate(t, raw, func(d map[string]any) {
			manifestOf(d)["hashAlgorithm"] = "md5"
		}),
		"dangling segment": mutate(t, raw, func(d map[string]any) {
			manifestOf(d)["segments"] = []any{map[string]any{"id": "s1", "assetId": "ghost"}}
		}),
		"bad operation timestamp": mutate(t, raw, func(d map[string]any) {
			manifestOf(d)["operationLog"] = []any{map[string]any{"opId": "1", "type": "created", "timestamp": "yesterday"}}
		}),
		"confirmed anchor without proof": mutate(t, raw, func(d map[string]any) {
			d["anchors"] = []any{map[string]any{"chain": "bitcoin", "status": "confirmed", "transactionReference": "tx", "confirmedAt": "2025-01-03T00:00:00Z"}}
		}),
		"unknown chain": mutate(t, raw, func(d map[string]any) {
			d["anchors"] = []any{map[string]any{"chain": "dogecoin", "status": "pending"}}
		}),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrMalformedContainer)
			assert.NotErrorIs(t, err, faults.ErrUnsupportedVersion)
		})
	}
}

func TestParseDuplicateAssetKey(t *testing.T) {
	raw := signedContainer(t)
	dup := strings.Replace(string(raw), `"main": {`, `"main": {"fileName":"x.bin","mediaType":"a/b","sha256":"`+strings.Repeat("0", 64)+`","size":1}, "main": {`, 1)
	require.NotEqual(t, string(raw), dup)

	_, err := Parse([]byte(dup))
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrMalformedContainer)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestParseUnsupported(t *testing.T) {
	raw := signedContainer(t)

	cases := map[string][]byte{
		"unknown format": mutate(t, raw, func(d map[string]any) { d["format"] = "ecoz" }),
		"next major":     mutate(t, raw, func(d map[string]any) { d["version"] = "2.0.0" }),
		"previous major": mutate(t, raw, func(d map[string]any) { d["version"] = "0.9.0" }),
		"not semver":     mutate(t, raw, func(d map[string]any) { d["version"] = "v-next" }),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(input)
			require.Error(t, err)
			assert.ErrorIs(t, err, faults.ErrUnsupportedVersion)
		})
	}
}

func TestParseAcceptsMinorVersionsAndECO(t *testing.T) {
	raw := signedContainer(t)

	_, err := Parse(mutate(t, raw, func(d map[string]any) { d["version"] = "1.4.2" }))
	require.NoError(t, err)
	_, err = Parse(mutate(t, raw, func(d map[string]any) { d["format"] = "eco" }))
	require.NoError(t, err)
}

func TestParseAnchors(t *testing.T) {
	raw := signedContainer(t)
	withAnchors := mutate(t, raw, func(d map[string]any) {
		d["anchors"] = []any{
			map[string]any{"chain": "polygon", "status": "pending", "transactionReference": "0xabc"},
			map[string]any{
				"chain": "bitcoin", "status": "confirmed", "transactionReference": "btc-tx",
				"confirmedAt": "2025-01-03T00:00:00Z",
				"proof": map[string]any{"leafIndex": 0, "treeSize": 1, "rootHash": strings.Repeat("a", 64), "hashes": []any{}},
			},
		}
	})

	cert, err := Parse(withAnchors)
	require.NoError(t, err)
	require.Len(t, cert.Anchors, 2)
	assert.Equal(t, AnchorPending, cert.Anchors[0].Status)
	assert.Equal(t, AnchorConfirmed, cert.Anchors[1].Status)
	assert.Equal(t, uint64(1), cert.Anchors[1].Proof.TreeSize)
}

func TestAnchorConfirmOnce(t *testing.T) {
	a := NewPendingAnchor(ChainBitcoin, "ots-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	err := a.Confirm("btc-tx", time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), InclusionProof{TreeSize: 1, RootHash: strings.Repeat("a", 64)})
	require.NoError(t, err)
	assert.Equal(t, AnchorConfirmed, a.Status)
	assert.Equal(t, "btc-tx", a.TransactionReference)

	err = a.Confirm("other", time.Now(), InclusionProof{TreeSize: 1})
	require.ErrorIs(t, err, ErrAnchorFinal)
	assert.Equal(t, "btc-tx", a.TransactionReference)
}

func TestNewCertificateRejectsWhatParseWouldReject(t *testing.T) {
	cases := map[string]func(m *Manifest){
		"asset id pattern": func(m *Manifest) {
			m.Assets = map[string]Asset{"bad id": m.Assets["main"]}
		},
		"asset id length": func(m *Manifest) {
			m.Assets = map[string]Asset{strings.Repeat("x", 129): m.Assets["main"]}
		},
		"title length": func(m *Manifest) { m.Metadata.Title = strings.Repeat("t", 513) },
		"created at":   func(m *Manifest) { m.Metadata.CreatedAt = "2025-01-02" },
		"asset hash": func(m *Manifest) {
			a := m.Assets["main"]
			a.SHA256 = "ABC"
			m.Assets["main"] = a
		},
		"dangling segment": func(m *Manifest) {
			m.Segments = []Segment{{ID: "s1", AssetID: "missing"}}
		},
	}
	for name, edit := range cases {
		t.Run(name, func(t *testing.T) {
			m := testManifest()
			edit(&m)
			_, err := NewCertificate(FormatECOX, m)
			require.Error(t, err)
			assert.Equal(t, faults.CodeMalformedContainer, faults.CodeOf(err))
		})
	}
}

func TestParseKeepsLargeIntegersExact(t *testing.T) {
	raw := signedContainer(t)
	big := bytes.Replace(raw, []byte(`"size": 9`), []byte(`"size": 9007199254740993`), 1)
	big = bytes.Replace(big, []byte(`"size":9,`), []byte(`"size":9007199254740993,`), 1)
	require.NotEqual(t, raw, big)

	cert, err := Parse(big)
	require.NoError(t, err)
	assert.EqualValues(t, 9007199254740993, cert.Manifest.Assets["main"].Size)
}
