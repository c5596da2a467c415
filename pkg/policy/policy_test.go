package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecosign/ecocert/pkg/anchor"
	"github.com/ecosign/ecocert/pkg/crypto"
	"github.com/ecosign/ecocert/pkg/verifier"
)

func report(verdict verifier.Verdict, fullyAnchored bool, pinned ...bool) *verifier.Report {
	r := &verifier.Report{Verdict: verdict, FullyAnchored: fullyAnchored, Anchors: []anchor.Result{}}
	for i, p := range pinned {
		r.Signatures = append(r.Signatures, crypto.SignatureResult{Index: i, Valid: true, Pinned: p})
	}
	return r
}

func TestAccept(t *testing.T) {
	p, err := Compile(`report.verdict == "VALID" || (report.verdict == "PARTIAL" && report.fully_anchored)`)
	require.NoError(t, err)

	cases := []struct {
		name string
		r    *verifier.Report
		want bool
	}{
		{"valid", report(verifier.VerdictValid, false), true},
		{"partial but durably anchored", report(verifier.VerdictPartial, true), true},
		{"partial", report(verifier.VerdictPartial, false), false},
		{"invalid", report(verifier.VerdictInvalid, true), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Accept(tc.r)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAcceptOverSignatures(t *testing.T) {
	p, err := Compile(`report.signatures.size() >= 2 && report.signatures.all(s, s.pinned)`)
	require.NoError(t, err)

	ok, err := p.Accept(report(verifier.VerdictValid, false, true, true))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Accept(report(verifier.VerdictValid, false, true, false))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompileRejects(t *testing.T) {
	_, err := Compile(`report.verdict ==`)
	assert.Error(t, err)

	_, err = Compile(`"VALID"`)
	assert.ErrorContains(t, err, "bool")
}

func TestAcceptNonBoolAtRuntime(t *testing.T) {
	p, err := Compile(`report.verdict`)
	require.NoError(t, err)
	_, err = p.Accept(report(verifier.VerdictValid, false))
	assert.Error(t, err)
}
