// Package checkpoint persists model weights to disk.
//
// A checkpoint file is a single JSON header line followed by a
// gzip-compressed binary payload holding the parameter tensors as raw
// little-endian IEEE-754 bits, so every value (NaN and Inf included)
// round-trips exactly. The header carries a SHA-256 checksum of the
// compressed bytes so a file can be verified without decompressing it.
package checkpoint

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BacZemin/Bioc2025-torch-clock/internal/nn"
)

// FormatVersion is the current on-disk version.
const FormatVersion = 2

// Extension is appended to checkpoint file names.
const Extension = ".ckpt"

// MaxDecompressedSize bounds the payload read back from disk (1GB).
const MaxDecompressedSize = 1 << 30

// IOError reports a checkpoint that could not be written or read.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Header is the plain-text first line of a checkpoint file.
type Header struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Checksum   string    `json:"checksum"`
	ParamCount int       `json:"param_count"`
	ProbeSet   string    `json:"probe_set,omitempty"`
	Epoch      int       `json:"epoch"`
	ValLoss    Float     `json:"val_loss"`
	Arch       nn.Arch   `json:"arch"`
}

// Float is a float64 that survives JSON when it is not finite: NaN and
// the infinities are written as the strings "NaN", "+Inf" and "-Inf".
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return json.Marshal(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid float %q", s)
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Info describes where a checkpoint came from.
type Info struct {
	ProbeSet string
	Epoch    int
	ValLoss  float64
	Arch     nn.Arch
}

// Save snapshots the parameters of m and writes them to path, replacing any
// existing file. The file is written to a temporary sibling and renamed
// into place so a reader never sees a partial checkpoint.
func Save(path string, m nn.Model, info Info) error {
	tensors := nn.Snapshot(m)
	data := encodeTensors(tensors)

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(data); err != nil {
		return &IOError{Path: path, Op: "write", Err: fmt.Errorf("compressing tensors: %w", err)}
	}
	if err := gzw.Close(); err != nil {
		return &IOError{Path: path, Op: "write", Err: fmt.Errorf("closing gzip writer: %w", err)}
	}

	header := Header{
		Version:    FormatVersion,
		CreatedAt:  time.Now().UTC(),
		Checksum:   checksum(compressed.Bytes()),
		ParamCount: len(tensors),
		ProbeSet:   info.ProbeSet,
		Epoch:      info.Epoch,
		ValLoss:    Float(info.ValLoss),
		Arch:       info.Arch,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return &IOError{Path: path, Op: "write", Err: fmt.Errorf("marshaling header: %w", err)}
	}

	if err := writeAtomic(path, headerBytes, compressed.Bytes()); err != nil {
		return &IOError{Path: path, Op: "write", Err: err}
	}
	return nil
}

func writeAtomic(path string, header, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	w := bufio.NewWriter(f)
	w.Write(header)
	w.WriteByte('\n')
	w.Write(body)
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint at path, verifies its checksum and copies the
// stored tensors into m.
func Load(path string, m nn.Model) (*Header, error) {
	header, body, err := readVerified(path)
	if err != nil {
		return nil, err
	}

	gzr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: fmt.Errorf("creating gzip reader: %w", err)}
	}
	defer gzr.Close()

	decompressed, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: fmt.Errorf("decompressing tensors: %w", err)}
	}
	if len(decompressed) > MaxDecompressedSize {
		return nil, &IOError{Path: path, Op: "read", Err: fmt.Errorf("payload exceeds %d bytes", MaxDecompressedSize)}
	}

	tensors, err := decodeTensors(decompressed)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: fmt.Errorf("parsing tensors: %w", err)}
	}
	if len(tensors) != header.ParamCount {
		return nil, &IOError{Path: path, Op: "read",
			Err: fmt.Errorf("header lists %d tensors, payload has %d", header.ParamCount, len(tensors))}
	}
	if err := nn.Restore(m, tensors); err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	return header, nil
}

// ReadHeader reads only the header line.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	defer f.Close()

	header, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	return header, nil
}

// Verify checks the checksum of the checkpoint at path without
// decompressing it.
func Verify(path string) (*Header, error) {
	header, _, err := readVerified(path)
	return header, err
}

func readVerified(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &IOError{Path: path, Op: "read", Err: err}
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := readHeader(reader)
	if err != nil {
		return nil, nil, &IOError{Path: path, Op: "read", Err: err}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, &IOError{Path: path, Op: "read", Err: fmt.Errorf("reading payload: %w", err)}
	}
	if actual := checksum(body); actual != header.Checksum {
		return nil, nil, &IOError{Path: path, Op: "read",
			Err: fmt.Errorf("checksum mismatch: expected %s, got %s", header.Checksum, actual)}
	}
	return header, body, nil
}

func readHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d", header.Version)
	}
	return &header, nil
}

func checksum(b []byte) string {
	hash := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// encodeTensors lays out a tensor count followed by, per tensor, its name
// length and name, rows, cols and row-major values.
func encodeTensors(tensors []nn.Tensor) []byte {
	le := binary.LittleEndian
	buf := le.AppendUint32(nil, uint32(len(tensors)))
	for _, t := range tensors {
		buf = le.AppendUint16(buf, uint16(len(t.Name)))
		buf = append(buf, t.Name...)
		buf = le.AppendUint32(buf, uint32(t.Rows))
		buf = le.AppendUint32(buf, uint32(t.Cols))
		for _, v := range t.Data {
			buf = le.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf
}

var errTruncated = errors.New("payload truncated")

func decodeTensors(b []byte) ([]nn.Tensor, error) {
	le := binary.LittleEndian
	take := func(n int) ([]byte, error) {
		if n < 0 || n > len(b) {
			return nil, errTruncated
		}
		out := b[:n]
		b = b[n:]
		return out, nil
	}

	head, err := take(4)
	if err != nil {
		return nil, err
	}
	count := int(le.Uint32(head))
	// Each tensor needs at least 10 bytes of framing.
	if count > len(b)/10 {
		return nil, errTruncated
	}

	tensors := make([]nn.Tensor, 0, count)
	for i := 0; i < count; i++ {
		lenBytes, err := take(2)
		if err != nil {
			return nil, err
		}
		name, err := take(int(le.Uint16(lenBytes)))
		if err != nil {
			return nil, err
		}
		dims, err := take(8)
		if err != nil {
			return nil, err
		}
		rows, cols := int(le.Uint32(dims[:4])), int(le.Uint32(dims[4:]))
		if rows != 0 && cols > len(b)/8/rows {
			return nil, errTruncated
		}
		raw, err := take(rows * cols * 8)
		if err != nil {
			return nil, err
		}
		data := make([]float64, rows*cols)
		for j := range data {
			data[j] = math.Float64frombits(le.Uint64(raw[j*8:]))
		}
		tensors = append(tensors, nn.Tensor{Name: string(name), Rows: rows, Cols: cols, Data: data})
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after tensors", len(b))
	}
	return tensors, nil
}
