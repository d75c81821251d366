package graph

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrParse is returned for malformed edge lines.
var ErrParse = errors.New("malformed edge line")

// NewParseError reports a malformed line in an edge stream.
func NewParseError(line int, content string, err error) error {
	if err != nil {
		return fmt.Errorf("%w %d %q: %w", ErrParse, line, content, err)
	}
	return fmt.Errorf("%w %d %q", ErrParse, line, content)
}

type decompressor struct {
	io.Reader
	closers []io.Closer
}

func (d *decompressor) Close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if cerr := d.closers[i].Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type zstdCloser struct{ *zstd.Decoder }

func (z zstdCloser) Close() error { z.Decoder.Close(); return nil }

// Open opens an edge file, transparently decompressing files with a ".gz" or ".zst" suffix.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open edge file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		return &decompressor{Reader: zr, closers: []io.Closer{f, zr}}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd stream %s: %w", path, err)
		}
		return &decompressor{Reader: zr, closers: []io.Closer{f, zstdCloser{zr}}}, nil
	default:
		return f, nil
	}
}

// ReadChanges parses an edge stream. Each non-empty line that does not start with '#' or '%'
// holds "src dst" or "src dst sign", where sign is +1/1 or -1. Lines without a sign are
// insertions.
func ReadChanges(r io.Reader) ([]Change, error) {
	ret := []Change{}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for s.Scan() {
		line++
		text := strings.TrimSpace(s.Text())
		if text == "" || text[0] == '#' || text[0] == '%' {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 && len(fields) != 3 {
			return nil, NewParseError(line, text, nil)
		}

		src, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, NewParseError(line, text, err)
		}
		dst, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, NewParseError(line, text, err)
		}

		sign := int64(1)
		if len(fields) == 3 {
			switch fields[2] {
			case "1", "+1", "+":
			case "-1", "-":
				sign = -1
			default:
				return nil, NewParseError(line, text, nil)
			}
		}

		ret = append(ret, Change{Edge: Edge{Src: Vertex(src), Dst: Vertex(dst)}, Sign: sign})
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read edge stream: %w", err)
	}

	return ret, nil
}

// LoadFile reads all changes from an edge file.
func LoadFile(path string) ([]Change, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadChanges(rc)
}

// Stream is an edge stream cut into a bulk edge set and a sequence of batches.
type Stream struct {
	Initial []Edge
	Batches []Batch
}

// NewStream uses the first initial changes as the bulk edge set and cuts the rest into batches
// of batchSize changes, numbered from 1. The bulk part may only contain insertions.
func NewStream(changes []Change, initial, batchSize int) (*Stream, error) {
	if initial < 0 || initial > len(changes) {
		initial = len(changes)
	}

	bulk := make([]Edge, 0, initial)
	for i, c := range changes[:initial] {
		if c.Sign < 0 {
			return nil, fmt.Errorf("bulk edge set contains a removal at position %d: %s", i, c)
		}
		bulk = append(bulk, c.Edge)
	}

	return &Stream{Initial: bulk, Batches: Split(changes[initial:], batchSize, 1)}, nil
}

// Changes returns the number of changes in all batches.
func (s *Stream) Changes() int {
	n := 0
	for _, b := range s.Batches {
		n += len(b.Changes)
	}
	return n
}
