package decoder

import "io"

// ReadBytes reads exactly n bytes from r, retrying short reads until the
// buffer is full. A stream that ends after some but not all bytes yields
// io.ErrUnexpectedEOF; a stream that ends before the first byte yields io.EOF.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, n)
	readed := 0
	for readed < n {
		m, err := r.Read(result[readed:])
		readed += m
		if err == nil {
			continue
		}
		if readed == n {
			break
		}
		if err == io.EOF && readed > 0 {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return result, nil
}
