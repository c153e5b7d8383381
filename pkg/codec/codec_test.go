package codec

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarint(t *testing.T) {
	tests := []struct {
		name     string
		val      uint64
		expBytes []byte
	}{
		{name: "Zero", val: 0, expBytes: []byte{0x00}},
		{name: "OneByte", val: 127, expBytes: []byte{0x7f}},
		{name: "TwoBytes", val: 128, expBytes: []byte{0x80, 0x01}},
		{name: "Larger", val: 300, expBytes: []byte{0xac, 0x02}},
		{name: "Max", val: ^uint64(0), expBytes: []byte{
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			encoded := AppendUvarint(nil, test.val)
			assert.Equal(t, test.expBytes, encoded)

			decoded, err := ReadUvarint(bytes.NewReader(encoded))
			require.NoError(t, err)
			assert.Equal(t, test.val, decoded)
		})
	}
}

func TestReadUvarintEOF(t *testing.T) {
	_, err := ReadUvarint(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)

	// The continuation bit is set, but there's no next byte.
	_, err = ReadUvarint(bytes.NewReader([]byte{0x80}))
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReadBytes(t *testing.T) {
	buf := AppendBytes(nil, []byte("hello"))
	buf = AppendBytes(buf, nil)
	r := bufio.NewReader(bytes.NewReader(buf))

	b, err := ReadBytes(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	b, err = ReadBytes(r)
	require.NoError(t, err)
	assert.Empty(t, b)

	_, err = ReadBytes(r)
	assert.Equal(t, io.EOF, err)

	truncated := AppendBytes(nil, []byte("hello"))[:3]
	_, err = ReadBytes(bufio.NewReader(bytes.NewReader(truncated)))
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	tooLong := AppendUvarint(nil, MaxBytesLen+1)
	_, err = ReadBytes(bufio.NewReader(bytes.NewReader(tooLong)))
	assert.Error(t, err)
}

func TestHashFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	contents := bytes.Repeat([]byte("abc"), bufSize)
	require.NoError(t, afero.WriteFile(fs, "/file", contents, 0644))

	exp := sha256.Sum256(contents)
	actual, err := HashFile(fs, "/file")
	require.NoError(t, err)
	assert.Equal(t, exp[:], actual)

	_, err = HashFile(fs, "/missing")
	assert.Error(t, err)
}

func TestCopyExactly(t *testing.T) {
	src := bytes.NewReader([]byte("0123456789"))
	var dst bytes.Buffer
	require.NoError(t, CopyExactly(&dst, src, 4))
	assert.Equal(t, "0123", dst.String())

	// The rest of the stream is left untouched.
	rest, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))

	dst.Reset()
	err = CopyExactly(&dst, bytes.NewReader([]byte("01")), 4)
	assert.Equal(t, ErrShortRead, err)

	assert.NoError(t, CopyExactly(&dst, bytes.NewReader(nil), 0))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestCopyExactlyWriteErrorDrains(t *testing.T) {
	src := bytes.NewReader(append(bytes.Repeat([]byte("x"), 3*bufSize), []byte("next")...))
	err := CopyExactly(failingWriter{}, src, 3*bufSize)

	var writeErr WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, io.ErrClosedPipe, writeErr.Err)

	rest, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "next", string(rest))
}

func TestDrain(t *testing.T) {
	src := bytes.NewReader([]byte("abcdef"))
	require.NoError(t, Drain(src, 4))
	assert.Equal(t, ErrShortRead, Drain(src, 4))
}
