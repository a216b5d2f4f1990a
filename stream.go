package mls

import (
	"fmt"

	"github.com/cisco/go-tls-syntax"
)

///
/// WriteStream
///

type WriteStream struct {
	buffer []byte
}

func NewWriteStream() *WriteStream {
	return &WriteStream{}
}

func (s *WriteStream) Data() []byte {
	return s.buffer
}

func (s *WriteStream) Write(val interface{}) error {
	enc, err := syntax.Marshal(val)
	if err != nil {
		return err
	}
	s.buffer = append(s.buffer, enc...)
	return nil
}

// Append adds raw bytes that are already in wire form, with no length
// header of their own.
func (s *WriteStream) Append(b []byte) error {
	s.buffer = append(s.buffer, b...)
	return nil
}

func (s *WriteStream) WriteAll(vals ...interface{}) error {
	for _, val := range vals {
		if err := s.Write(val); err != nil {
			return err
		}
	}
	return nil
}

///
/// ReadStream
///

type ReadStream struct {
	buffer []byte
	cursor int
}

func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{data, 0}
}

func (s *ReadStream) Read(val interface{}) (int, error) {
	read, err := syntax.Unmarshal(s.buffer[s.cursor:], val)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	s.cursor += read
	return read, nil
}

func (s *ReadStream) ReadAll(vals ...interface{}) (int, error) {
	totalRead := 0
	for _, val := range vals {
		read, err := s.Read(val)
		if err != nil {
			return 0, err
		}
		totalRead += read
	}
	return totalRead, nil
}

func (s *ReadStream) Consumed() int {
	return s.cursor
}

func (s *ReadStream) Remaining() int {
	return len(s.buffer) - s.cursor
}

// decodeExact unmarshals a complete wire structure.  Truncated input and
// trailing bytes after the structure are both decode failures; there is
// exactly one valid byte sequence per structure.
func decodeExact(data []byte, val interface{}) error {
	read, err := syntax.Unmarshal(data, val)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if read != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(data)-read)
	}
	return nil
}

func encode(val interface{}) ([]byte, error) {
	enc, err := syntax.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("mls.codec: marshal failure: %v", err)
	}
	return enc, nil
}
