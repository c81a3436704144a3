package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/tsimport/internal/metrics"
)

// DefaultChunkSize is the largest binary chunk sent in one request.
const DefaultChunkSize = 4 << 20 // 4 MiB

// ErrEmptyFile is returned when a binary upload has no content.
var ErrEmptyFile = errors.New("file is empty")

// EventBatch is one request of the event-batch protocol.
type EventBatch struct {
	SketchID     int
	TimelineName string
	UploadID     string
	DataLabel    string
	IndexName    string
	// Index is the 0-based batch sequence number.
	Index int
	// TotalChunks is -1 while more batches follow, the batch count on the last.
	TotalChunks int
	// Events holds newline-delimited JSON records.
	Events []byte
}

// UploadEvents sends one batch of events. The returned timeline may be nil when
// the server acknowledges without one.
func (c *Client) UploadEvents(ctx context.Context, b EventBatch) (*Timeline, error) {
	op := fmt.Sprintf("batch #%d", b.Index)

	form := newForm()
	form.field("name", b.TimelineName)
	form.field("sketch_id", strconv.Itoa(b.SketchID))
	form.field("chunk_index", strconv.Itoa(b.Index))
	form.field("chunk_total_chunks", strconv.Itoa(b.TotalChunks))
	form.field("upload_id", b.UploadID)
	form.optional("data_label", b.DataLabel)
	form.optional("index_name", b.IndexName)
	form.field("events", string(b.Events))

	start := time.Now()
	tl, err := c.upload(ctx, b.SketchID, op, form)
	c.metrics.RecordUpload(metrics.OpBatchUpload, len(b.Events), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("batch uploaded",
		"batch", b.Index,
		"bytes", len(b.Events),
		"final", b.TotalChunks >= 0,
		"duration", time.Since(start),
	)
	return tl, nil
}

// FileUpload describes a binary evidence file sent with the chunked protocol.
type FileUpload struct {
	SketchID     int
	TimelineName string
	UploadID     string
	DataLabel    string
	IndexName    string
	// FileName is sanitized to a base name before sending.
	FileName string
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
	// OnChunk, when set, is called after each acknowledged chunk.
	OnChunk func(index, total int)
}

// UploadFile sends the file at path with the chunked protocol.
func (c *Client) UploadFile(ctx context.Context, path string, u FileUpload) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if u.FileName == "" {
		u.FileName = path
	}
	return c.UploadReader(ctx, f, info.Size(), u)
}

// UploadReader sends size bytes of r in ascending chunks. Every chunk carries
// the SHA-256 of the complete content. The last chunk's acknowledgement yields
// the timeline.
func (c *Client) UploadReader(ctx context.Context, r io.ReaderAt, size int64, u FileUpload) (*Timeline, error) {
	if size <= 0 {
		return nil, fmt.Errorf("upload %s: %w", u.FileName, ErrEmptyFile)
	}
	chunkSize := int64(u.ChunkSize)
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	digest, err := hashSection(ctx, r, size)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", u.FileName, err)
	}

	name := SanitizeFileName(u.FileName)
	total := int((size + chunkSize - 1) / chunkSize)
	buf := make([]byte, chunkSize)

	c.logger.Info("uploading file",
		"file", name,
		"size", size,
		"chunks", total,
		"sha256", digest,
		"upload_id", u.UploadID,
	)

	var tl *Timeline
	for i := 0; i < total; i++ {
		offset := int64(i) * chunkSize
		n := min(chunkSize, size-offset)
		chunk := buf[:n]
		read, err := r.ReadAt(chunk, offset)
		if int64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read chunk #%d: %w", i, err)
		}

		form := newForm()
		form.field("name", u.TimelineName)
		form.field("sketch_id", strconv.Itoa(u.SketchID))
		form.field("chunk_index", strconv.Itoa(i))
		form.field("chunk_total_chunks", strconv.Itoa(total))
		form.field("chunk_byte_offset", strconv.FormatInt(offset, 10))
		form.field("total_file_size", strconv.FormatInt(size, 10))
		form.field("filename", name)
		form.field("sha256", digest)
		form.field("upload_id", u.UploadID)
		form.optional("data_label", u.DataLabel)
		form.optional("index_name", u.IndexName)
		form.file("file", name, chunk)

		op := fmt.Sprintf("chunk #%d", i)
		start := time.Now()
		ack, err := c.upload(ctx, u.SketchID, op, form)
		c.metrics.RecordUpload(metrics.OpChunkUpload, len(chunk), time.Since(start), err)
		if err != nil {
			return nil, err
		}
		if ack != nil {
			tl = ack
		}

		c.logger.Debug("chunk uploaded", "chunk", i, "total", total, "bytes", n)
		if u.OnChunk != nil {
			u.OnChunk(i, total)
		}
	}
	return tl, nil
}

// upload posts a multipart form to the sketch upload endpoint.
func (c *Client) upload(ctx context.Context, sketchID int, op string, form *form) (*Timeline, error) {
	body, contentType, err := form.finish()
	if err != nil {
		return nil, fmt.Errorf("%s: build form: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/sketches/%d/upload/", sketchID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", contentType)

	data, err := c.do(req, op, true)
	if err != nil {
		return nil, err
	}

	tl, err := first[Timeline](data)
	if errors.Is(err, ErrNoObjects) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tl, nil
}

// SanitizeFileName reduces a path to a base name made of letters, digits,
// dots, dashes and underscores.
func SanitizeFileName(path string) string {
	name := filepath.Base(filepath.ToSlash(path))
	if name == "/" || name == "." || name == ".." {
		return "upload"
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "upload"
	}
	return name
}

func hashSection(ctx context.Context, r io.ReaderAt, size int64) (string, error) {
	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: io.NewSectionReader(r, 0, size)})
	if err != nil {
		return "", err
	}
	if n != size {
		return "", fmt.Errorf("read %d of %d bytes: %w", n, size, io.ErrUnexpectedEOF)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// form buffers a multipart body so the retry policy can replay it.
type form struct {
	buf bytes.Buffer
	w   *multipart.Writer
	err error
}

func newForm() *form {
	f := &form{}
	f.w = multipart.NewWriter(&f.buf)
	return f
}

func (f *form) field(name, value string) {
	if f.err != nil {
		return
	}
	f.err = f.w.WriteField(name, value)
}

func (f *form) optional(name, value string) {
	if value != "" {
		f.field(name, value)
	}
}

func (f *form) file(field, name string, data []byte) {
	if f.err != nil {
		return
	}
	part, err := f.w.CreateFormFile(field, name)
	if err != nil {
		f.err = err
		return
	}
	_, f.err = part.Write(data)
}

func (f *form) finish() ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	if err := f.w.Close(); err != nil {
		return nil, "", err
	}
	return f.buf.Bytes(), f.w.FormDataContentType(), nil
}
