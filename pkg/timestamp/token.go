package timestamp

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	rfc3161 "github.com/digitorus/timestamp"

	"github.com/ecosign/ecocert/pkg/canonicalize"
)

// Token encodings.
const (
	EncodingRFC3161    = "rfc3161"
	EncodingSignedJSON = "ecotsa/1"
	EncodingLegacyJSON = "legacy-json"
)

// decoded is the encoding-neutral view of a token.
type decoded struct {
	Encoding      string
	HashAlgorithm crypto.Hash
	HashedMessage []byte
	GenTime       time.Time
	Policy        string
	SerialNumber  string
	Authority     string

	// RFC 3161 only.
	p7          *pkcs7.PKCS7
	hasCertSet  bool
	sigVerified bool

	// Signed JSON only.
	keyID        string
	signature    []byte
	signingInput []byte
}

// jsonToken is the wire form of signed and legacy JSON tokens.
type jsonToken struct {
	Version       string `json:"v,omitempty"`
	TSA           string `json:"tsa"`
	KeyID         string `json:"keyId,omitempty"`
	HashAlgorithm string `json:"hashAlgorithm"`
	HashedMessage string `json:"hashedMessage"`
	GenTime       string `json:"genTime"`
	Policy        string `json:"policy,omitempty"`
	SerialNumber  string `json:"serialNumber,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

var errUnsupportedHash = errors.New("unsupported hash algorithm")

func decodeToken(token string) (*decoded, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(token), ""))
	if err != nil {
		return nil, fmt.Errorf("token is not base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("token is empty")
	}
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '{' {
		return decodeJSON(t)
	}
	return decodeDER(raw)
}

func decodeJSON(raw []byte) (*decoded, error) {
	var jt jsonToken
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jt); err != nil {
		return nil, fmt.Errorf("JSON token: %w", err)
	}
	d := &decoded{
		Encoding:     EncodingLegacyJSON,
		Policy:       jt.Policy,
		SerialNumber: jt.SerialNumber,
		Authority:    jt.TSA,
	}
	switch strings.ToLower(strings.ReplaceAll(jt.HashAlgorithm, "-", "")) {
	case "sha256", "":
		d.HashAlgorithm = crypto.SHA256
	default:
		return nil, fmt.Errorf("%w %q", errUnsupportedHash, jt.HashAlgorithm)
	}
	msg, err := hex.DecodeString(strings.ToLower(jt.HashedMessage))
	if err != nil {
		return nil, fmt.Errorf("hashedMessage is not hex: %w", err)
	}
	d.HashedMessage = msg
	if d.GenTime, err = time.Parse(time.RFC3339Nano, jt.GenTime); err != nil {
		return nil, fmt.Errorf("genTime: %w", err)
	}

	if jt.Version == "" {
		return d, nil
	}
	if jt.Version != EncodingSignedJSON {
		return nil, fmt.Errorf("unknown JSON token version %q", jt.Version)
	}
	d.Encoding = EncodingSignedJSON
	if jt.KeyID == "" || jt.Signature == "" {
		return nil, errors.New("signed JSON token lacks keyId or signature")
	}
	if d.signature, err = hex.DecodeString(jt.Signature); err != nil {
		return nil, fmt.Errorf("token signature is not hex: %w", err)
	}
	d.keyID = jt.KeyID
	body := jt
	body.Signature = ""
	if d.signingInput, err = canonicalize.JCS(body); err != nil {
		return nil, err
	}
	return d, nil
}

// timeStampResp is the outer RFC 3161 response; only the token is kept.
type timeStampResp struct {
	Status         asn1.RawValue
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

func unwrapResponse(der []byte) []byte {
	var resp timeStampResp
	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil || len(rest) > 0 || len(resp.TimeStampToken.FullBytes) == 0 {
		return der
	}
	// A ContentInfo starts with an OID, a response with a PKIStatusInfo SEQUENCE.
	if resp.Status.Tag != asn1.TagSequence {
		return der
	}
	return resp.TimeStampToken.FullBytes
}

func decodeDER(der []byte) (*decoded, error) {
	tokenDER := unwrapResponse(der)
	p7, err := pkcs7.Parse(tokenDER)
	if err != nil {
		return nil, fmt.Errorf("RFC 3161 token: %w", err)
	}
	d := &decoded{Encoding: EncodingRFC3161, p7: p7, hasCertSet: len(p7.Certificates) > 0}

	// rfc3161.Parse verifies the CMS signature against the embedded signer
	// certificate whenever one is present.
	ts, err := rfc3161.Parse(tokenDER)
	if err != nil {
		if d.hasCertSet {
			return d, &tokenSignatureError{err: err}
		}
		return nil, fmt.Errorf("RFC 3161 TSTInfo: %w", err)
	}
	d.sigVerified = d.hasCertSet
	d.HashAlgorithm = ts.HashAlgorithm
	d.HashedMessage = ts.HashedMessage
	d.GenTime = ts.Time
	d.Policy = ts.Policy.String()
	if ts.SerialNumber != nil {
		d.SerialNumber = ts.SerialNumber.String()
	}
	if len(ts.Certificates) > 0 {
		d.Authority = ts.Certificates[0].Subject.CommonName
	}
	return d, nil
}

// tokenSignatureError reports a token whose structure decodes but whose
// CMS signature does not verify against its own signer certificate.
type tokenSignatureError struct{ err error }

func (e *tokenSignatureError) Error() string { return "token signature: " + e.err.Error() }
func (e *tokenSignatureError) Unwrap() error { return e.err }

func (d *decoded) verifyEd25519(pub ed25519.PublicKey) bool {
	return len(d.signature) == ed25519.SignatureSize && ed25519.Verify(pub, d.signingInput, d.signature)
}
