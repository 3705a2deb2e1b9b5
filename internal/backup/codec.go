// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	// FormatName identifies artifacts written by this service.
	FormatName = "mycelium-backup"

	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion = 1
)

// binaryTag is the key of the object that carries a base64 byte value in a
// row line: {"$b64":"..."}.
const binaryTag = "$b64"

// Header is the first line of an artifact.
type Header struct {
	Format    string       `json:"format"`
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	Driver    string       `json:"driver"`
	Kind      ArtifactKind `json:"kind"`
	Tables    []string     `json:"tables"`
}

// Footer is the last line of an artifact. Its counts let a reader detect a
// truncated file before touching the database.
type Footer struct {
	Rows      map[string]int64 `json:"rows"`
	TotalRows int64            `json:"total_rows"`
}

// record is one decoded line of any type.
type record struct {
	Header *Header        `json:"header,omitempty"`
	Footer *Footer        `json:"footer,omitempty"`
	Table  string         `json:"table,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type headerLine struct {
	Header Header `json:"header"`
}

type rowLine struct {
	Table string         `json:"table"`
	Data  map[string]any `json:"data"`
}

type footerLine struct {
	Footer Footer `json:"footer"`
}

// ========================================
// Writer
// ========================================

// artifactWriter layers file -> compressor -> buffer -> encoder.
type artifactWriter struct {
	file *os.File
	comp io.WriteCloser
	buf  *bufio.Writer
	enc  *json.Encoder
}

func newArtifactWriter(file *os.File, c Compression) (*artifactWriter, error) {
	w := &artifactWriter{file: file}

	var dest io.Writer = file
	switch c {
	case CompressionGzip:
		gz, err := gzip.NewWriterLevel(file, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		w.comp = gz
		dest = gz
	case CompressionZstd:
		zw, err := zstd.NewWriter(file)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		w.comp = zw
		dest = zw
	}

	w.buf = bufio.NewWriterSize(dest, 256*1024)
	w.enc = json.NewEncoder(w.buf)
	w.enc.SetEscapeHTML(false)
	return w, nil
}

// write encodes v as one line.
func (w *artifactWriter) write(v any) error {
	return w.enc.Encode(v)
}

// finish flushes every layer and fsyncs the file. The file stays open.
func (w *artifactWriter) finish() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if w.comp != nil {
		if err := w.comp.Close(); err != nil {
			return fmt.Errorf("close compressor: %w", err)
		}
		w.comp = nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// abort releases the compressor without flushing.
func (w *artifactWriter) abort() {
	if w.comp != nil {
		_ = w.comp.Close() //nolint:errcheck // best effort, file is discarded
		w.comp = nil
	}
}

// ========================================
// Reader
// ========================================

// countingReader tracks compressed bytes consumed.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// artifactReader decodes lines from a possibly compressed artifact.
type artifactReader struct {
	file    *os.File
	counter *countingReader
	decomp  io.ReadCloser
	dec     *json.Decoder
	size    int64
}

//nolint:gosec // G304: path comes from the retention directory scan
func openArtifact(path string) (*artifactReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck // best effort cleanup on error
		return nil, err
	}

	r := &artifactReader{
		file:    file,
		counter: &countingReader{r: bufio.NewReaderSize(file, 256*1024)},
		size:    info.Size(),
	}

	var src io.Reader = r.counter
	switch compressionFromName(path) {
	case CompressionGzip:
		gz, err := gzip.NewReader(r.counter)
		if err != nil {
			file.Close() //nolint:errcheck // best effort cleanup on error
			return nil, fmt.Errorf("%w: gzip: %w", ErrInvalidArtifact, err)
		}
		r.decomp = gz
		src = gz
	case CompressionZstd:
		zr, err := zstd.NewReader(r.counter)
		if err != nil {
			file.Close() //nolint:errcheck // best effort cleanup on error
			return nil, fmt.Errorf("%w: zstd: %w", ErrInvalidArtifact, err)
		}
		r.decomp = zr.IOReadCloser()
		src = r.decomp
	}

	r.dec = json.NewDecoder(src)
	r.dec.UseNumber()
	return r, nil
}

// next decodes the next line into rec. It returns io.EOF after the last line.
func (r *artifactReader) next(rec *record) error {
	*rec = record{}
	return r.dec.Decode(rec)
}

// fraction is the share of the compressed file consumed so far.
func (r *artifactReader) fraction() float64 {
	if r.size <= 0 {
		return 1
	}
	f := float64(r.counter.n.Load()) / float64(r.size)
	if f > 1 {
		return 1
	}
	return f
}

func (r *artifactReader) Close() error {
	if r.decomp != nil {
		_ = r.decomp.Close() //nolint:errcheck // decompressor close has nothing to flush
	}
	return r.file.Close()
}
