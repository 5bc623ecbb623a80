package decoder

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
)

func TestReadBytes(t *testing.T) {
	var tests = []struct {
		name   string
		assert func(t *testing.T, actual []byte, err error)
		setup  func() (io.Reader, int)
	}{
		{
			name: "read 1 byte",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte{0x01}, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer([]byte{0x01}), 1
			},
		},
		{
			name: "short reads are retried until the buffer is full",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, actual)
			},
			setup: func() (io.Reader, int) {
				return iotest.OneByteReader(bytes.NewBuffer([]byte{0x01, 0x02, 0x03, 0x04, 0x05})), 4
			},
		},
		{
			name: "reading from an empty stream should return EOF error",
			assert: func(t *testing.T, actual []byte, err error) {
				if assert.Error(t, err) {
					assert.Equal(t, io.EOF, err)
				}
				assert.Nil(t, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer(nil), 2
			},
		},
		{
			name: "reading more bytes than available should return unexpected EOF error",
			assert: func(t *testing.T, actual []byte, err error) {
				if assert.Error(t, err) {
					assert.Equal(t, io.ErrUnexpectedEOF, err)
				}
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer([]byte{0x01}), 2
			},
		},
		{
			name: "reading zero bytes returns an empty slice",
			assert: func(t *testing.T, actual []byte, err error) {
				assert.Nil(t, err)
				assert.Empty(t, actual)
			},
			setup: func() (io.Reader, int) {
				return bytes.NewBuffer(nil), 0
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, n := tt.setup()
			actual, err := ReadBytes(r, n)
			tt.assert(t, actual, err)
		})
	}
}
