package hasher

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecosign/ecocert/pkg/faults"
)

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("disk on fire")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestHashMatchesHashBytes(t *testing.T) {
	payload := []byte("hello-eco\n")

	d, n, err := Hash(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, HashBytes(payload), d)
	assert.True(t, d.Equal(HashBytes(payload)))
}

func TestHashKnownVector(t *testing.T) {
	d, _, err := Hash(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", d.Hex())
}

func TestHashReadFailureIsIOError(t *testing.T) {
	_, _, err := Hash(&failingReader{after: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrIO)
}

func TestParseDigest(t *testing.T) {
	want := HashBytes([]byte("x"))

	got, err := ParseDigest(want.Hex())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseDigest(strings.ToUpper(want.Hex()))
	assert.Error(t, err)
	_, err = ParseDigest(want.Hex()[:10])
	assert.Error(t, err)
	_, err = ParseDigest(strings.Repeat("g", 64))
	assert.Error(t, err)
}

func TestSingleByteChangesDigest(t *testing.T) {
	a := HashBytes([]byte("hello-eco"))
	b := HashBytes([]byte("hello-eco!"))
	assert.False(t, a.Equal(b))
}
