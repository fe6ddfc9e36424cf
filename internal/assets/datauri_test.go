package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDataURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		data string
		ct   string
	}{
		{"base64", "data:image/png;base64,aGVsbG8=", "hello", "image/png"},
		{"upper scheme and type", "DATA:Image/PNG;base64,aGVsbG8=", "hello", "image/png"},
		{"missing padding", "data:image/png;base64,aGVsbG8", "hello", "image/png"},
		{"whitespace", "data:image/png;base64,aGVs\n bG8=", "hello", "image/png"},
		{"percent encoded", "data:text/plain,hi%20there", "hi there", "text/plain"},
		{"default type", "data:,x", "x", "text/plain"},
		{"extra params", "data:image/svg+xml;charset=utf-8;base64,PHN2Zy8+", "<svg/>", "image/svg+xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, ct, err := DecodeDataURI(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(data))
			assert.Equal(t, tt.ct, ct)
		})
	}
}

func TestDecodeDataURI_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "http://x", "data:image/png;base64", "data:image/png;base64,@@@", "data:,%zz"} {
		_, _, err := DecodeDataURI(in)
		assert.ErrorIs(t, err, ErrBadDataURI, in)
	}
}

func TestEncodeDataURI(t *testing.T) {
	t.Parallel()

	uri := EncodeDataURI("image/png", []byte("hello"))
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", uri)

	data, ct, err := DecodeDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "image/png", ct)
}
