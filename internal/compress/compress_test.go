package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestAuto_CompressesLongText(t *testing.T) {
	text := []byte(strings.Repeat("shelter at the north gate, water available. ", 200))

	result, err := Auto(text, "text/plain", 1024)
	require.NoError(t, err)

	assert.Equal(t, Zstd, result.Algorithm)
	assert.Less(t, len(result.Data), len(text))
	assert.Equal(t, len(text), result.OriginalSize)

	restored, err := Decompress(result.Data, result.Algorithm, result.OriginalSize)
	require.NoError(t, err)
	assert.Equal(t, text, restored)
}

func TestAuto_SkipsPrecompressedMedia(t *testing.T) {
	// Highly compressible bytes are still left alone when labelled as JPEG.
	data := bytes.Repeat([]byte{0xFF}, 8192)

	result, err := Auto(data, "image/jpeg", 1024)
	require.NoError(t, err)

	assert.Equal(t, None, result.Algorithm)
	assert.Equal(t, data, result.Data)
}

func TestAuto_SkipsHighEntropyData(t *testing.T) {
	data := randomBytes(t, 16*1024)

	result, err := Auto(data, "application/octet-stream", 1024)
	require.NoError(t, err)

	assert.Equal(t, None, result.Algorithm)
	assert.Equal(t, data, result.Data)
}

func TestAuto_BelowThreshold(t *testing.T) {
	data := []byte(strings.Repeat("a", 100))

	result, err := Auto(data, "text/plain", 1024)
	require.NoError(t, err)
	assert.Equal(t, None, result.Algorithm)
}

func TestCompress_LZ4RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("lat=52.5200,lon=13.4050;"), 500)

	compressed, err := Compress(data, LZ4)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	restored, err := Decompress(compressed, LZ4, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, restored)
}

func TestDecompress_SizeMismatch(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)
	compressed, err := Compress(data, Zstd)
	require.NoError(t, err)

	_, err = Decompress(compressed, Zstd, 10)
	assert.Error(t, err)
	_, err = Decompress([]byte("abc"), None, 4)
	assert.Error(t, err)
}

func TestSelect_ContentTypeParameters(t *testing.T) {
	assert.Equal(t, None, Select([]byte("x"), "image/png; charset=binary"))
	assert.Equal(t, Zstd, Select([]byte("x"), "application/json"))
	assert.Equal(t, None, Select(nil, "text/plain"))
}

func TestParse(t *testing.T) {
	algo, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, None, algo)

	algo, err = Parse("lz4")
	require.NoError(t, err)
	assert.Equal(t, LZ4, algo)

	_, err = Parse("brotli")
	assert.Error(t, err)
}
