package format

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/orian/sheetsmith/models"
)

const (
	headerSize    = len(Magic) + 2
	chunkOverhead = 4 + 4 + 4
	// maxPayload guards against allocating for a corrupt length prefix.
	maxPayload = 256 << 20
)

// Reader iterates the records of a container.
type Reader struct {
	r      io.ReaderAt
	size   int64
	offset int64
	done   bool
}

// NewReader validates the container header.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size < int64(headerSize) {
		return nil, fmt.Errorf("%w: container too short", models.ErrPatchVerificationFailed)
	}
	hdr := make([]byte, headerSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", models.ErrPatchVerificationFailed, err)
	}
	if string(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", models.ErrPatchVerificationFailed, hdr[:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:]); v != Version {
		return nil, fmt.Errorf("%w: unsupported container version %d", models.ErrPatchVerificationFailed, v)
	}
	return &Reader{r: r, size: size, offset: int64(headerSize)}, nil
}

// Next returns the next record, or io.EOF after the terminating chunk. A
// container that ends without one is reported as corrupt.
func (rd *Reader) Next() (Record, error) {
	if rd.done {
		return nil, io.EOF
	}
	if rd.offset+int64(chunkOverhead) > rd.size {
		return nil, fmt.Errorf("%w: truncated container at offset %d", models.ErrPatchVerificationFailed, rd.offset)
	}

	head := make([]byte, 8)
	if _, err := rd.r.ReadAt(head, rd.offset); err != nil {
		return nil, fmt.Errorf("%w: read chunk at %d: %v", models.ErrPatchVerificationFailed, rd.offset, err)
	}
	length := binary.BigEndian.Uint32(head[:4])
	tag := string(head[4:8])
	if length > maxPayload || rd.offset+int64(chunkOverhead)+int64(length) > rd.size {
		return nil, fmt.Errorf("%w: chunk %q at %d overruns container", models.ErrPatchVerificationFailed, tag, rd.offset)
	}

	body := make([]byte, int(length)+4)
	if _, err := rd.r.ReadAt(body, rd.offset+8); err != nil {
		return nil, fmt.Errorf("%w: read chunk %q at %d: %v", models.ErrPatchVerificationFailed, tag, rd.offset, err)
	}
	payload, sum := body[:length], binary.BigEndian.Uint32(body[length:])

	crc := crc32.NewIEEE()
	crc.Write(head[4:8])
	crc.Write(payload)
	if crc.Sum32() != sum {
		return nil, fmt.Errorf("%w: crc mismatch in chunk %q at %d", models.ErrPatchVerificationFailed, tag, rd.offset)
	}

	payloadOffset := rd.offset + 8
	rd.offset += int64(chunkOverhead) + int64(length)

	if tag == eofTag {
		rd.done = true
		return nil, io.EOF
	}
	kind, ok := KindForTag(tag)
	if !ok {
		return nil, fmt.Errorf("%w: unknown chunk tag %q at %d", models.ErrPatchVerificationFailed, tag, payloadOffset)
	}
	dec, err := For(kind)
	if err != nil {
		return nil, err
	}
	rec, n, err := dec.Decode(payload, payloadOffset)
	if err != nil {
		return nil, err
	}
	if n != int64(length) {
		return nil, fmt.Errorf("%w: %s chunk at %d has %d trailing bytes", models.ErrPatchVerificationFailed, kind, payloadOffset, int64(length)-n)
	}
	return rec, nil
}

// ReadFile decodes every record of the container at path.
func ReadFile(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	rd, err := NewReader(f, st.Size())
	if err != nil {
		return err
	}
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Writer encodes records into a container. Close writes the terminating
// chunk; it does not close the underlying writer.
type Writer struct {
	w   *bufio.Writer
	buf []byte
	err error
}

func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	hdr := binary.BigEndian.AppendUint16([]byte(Magic), Version)
	if _, err := bw.Write(hdr); err != nil {
		return nil, err
	}
	return &Writer{w: bw}, nil
}

func (w *Writer) Write(rec Record) error {
	w.buf = rec.appendPayload(w.buf[:0])
	return w.chunk(rec.Kind().Tag(), w.buf)
}

func (w *Writer) chunk(tag string, payload []byte) error {
	if w.err != nil {
		return w.err
	}
	out := binary.BigEndian.AppendUint32(make([]byte, 0, len(payload)+chunkOverhead), uint32(len(payload)))
	out = append(out, tag...)
	out = append(out, payload...)
	crc := crc32.NewIEEE()
	crc.Write([]byte(tag))
	crc.Write(payload)
	out = binary.BigEndian.AppendUint32(out, crc.Sum32())
	_, w.err = w.w.Write(out)
	return w.err
}

func (w *Writer) Close() error {
	if err := w.chunk(eofTag, nil); err != nil {
		return err
	}
	return w.w.Flush()
}
