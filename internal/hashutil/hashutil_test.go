package hashutil

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextDigest(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", String("abc"))
	assert.Equal(t, String("abc"), Text([]byte("abc")))
	assert.True(t, strings.HasPrefix(Binary(nil), Prefix))
}

func TestTextDomainCanonicalises(t *testing.T) {
	invalid := []byte{'a', 0xff, 'b'}
	assert.Equal(t, String("a\uFFFDb"), Text(invalid))
	assert.NotEqual(t, Binary(invalid), Text(invalid))
	assert.Equal(t, Binary([]byte("plain ascii")), Text([]byte("plain ascii")))
}

func TestDomainSeparation(t *testing.T) {
	plain := []byte(strings.Repeat("console.log('bundle');\n", 50))
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	compressed := buf.Bytes()

	assert.NotEqual(t, Binary(compressed), Text(plain))

	// a compressed payload never verifies against the text digest of its content
	err = Verify(StagePatch, DomainBinary, compressed, Text(plain))
	require.Error(t, err)
	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, StagePatch, mismatch.Stage)
	assert.Equal(t, DomainBinary, mismatch.Domain)
	assert.ErrorIs(t, err, ErrHashMismatch)

	// and the decompressed text never verifies against the stream digest
	assert.ErrorIs(t, Verify(StageTarget, DomainText, plain, Binary(compressed)), ErrHashMismatch)

	assert.NoError(t, Verify(StagePatch, DomainBinary, compressed, Binary(compressed)))
	assert.NoError(t, Verify(StageTarget, DomainText, plain, Text(plain)))
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.js")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	assert.NoError(t, VerifyFile(StageFullBundle, DomainText, path, String("hello")))
	assert.ErrorIs(t, VerifyFile(StageFullBundle, DomainText, path, String("bye")), ErrHashMismatch)
	assert.Error(t, VerifyFile(StageFullBundle, DomainText, path+".missing", String("hello")))

	h, err := File(DomainBinary, path)
	require.NoError(t, err)
	assert.Equal(t, Binary([]byte("hello")), h)
}
