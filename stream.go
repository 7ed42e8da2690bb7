package pfm

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jasonsutter87/pfm-go/internal/logger"
)

// StreamWriter appends sections to a .pfm file one at a time, flushing
// each to durable storage before returning. The magic line (with the
// stream flag) and the meta block are written at construction, so the
// file is readable by the full parser after every completed write,
// even if the process dies before Close. Close appends the trailing
// index and EOF marker that enable indexed access.
//
// A StreamWriter exclusively owns its file: exactly one writer may
// produce a given file at a time.
type StreamWriter struct {
	f       *os.File
	path    string
	offset  int
	entries []indexEntry
	digest  hash.Hash
	closed  bool
	err     error
}

// NewStreamWriter creates (or truncates) the file at path and writes
// the stream-mode magic line and the meta block immediately. The meta
// map may carry recognised fields (agent, model, parent, tags, ...)
// and arbitrary custom keys; id and created are generated when absent.
func NewStreamWriter(path string, meta map[string]string) (*StreamWriter, error) {
	merged := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		merged[k] = v
	}
	if merged["id"] == "" {
		merged["id"] = uuid.New().String()
	}
	if merged["created"] == "" {
		merged["created"] = time.Now().UTC().Format(time.RFC3339)
	}

	var head bytes.Buffer
	head.WriteString(magicLine + StreamFlag + "\n")
	writeMetaBlock(&head, merged)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(head.Bytes()); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	return &StreamWriter{
		f:      f,
		path:   path,
		offset: head.Len(),
		digest: sha256.New(),
	}, nil
}

// NewStreamWriterAppend reopens an existing stream-mode file and
// resumes writing after its last completed section. Recovery always
// runs first: the running index is rebuilt by scanning the file's
// section markers, a previously written trailing index and EOF marker
// are truncated away, and a partial trailing line left by a crashed
// writer is dropped. Appending never writes blindly past an unknown
// tail.
func NewStreamWriterAppend(path string) (*StreamWriter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// Drop a partial final line: durability is at line granularity.
	if n := len(raw); n > 0 && raw[n-1] != '\n' {
		raw = raw[:bytes.LastIndexByte(raw, '\n')+1]
	}

	entries, truncateAt, err := recoverStream(raw)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(truncateAt)); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(int64(truncateAt), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	// Rebuild the running checksum from the recovered sections.
	digest := sha256.New()
	for _, e := range entries {
		body := raw[e.Offset : e.Offset+e.Length]
		if len(body) > 0 && body[len(body)-1] == '\n' {
			body = body[:len(body)-1]
		}
		digest.Write(body)
	}

	logger.Debug("pfm: append to %s, recovered %d sections, resuming at %d", path, len(entries), truncateAt)
	return &StreamWriter{
		f:       f,
		path:    path,
		offset:  truncateAt,
		entries: entries,
		digest:  digest,
	}, nil
}

// recoverStream rebuilds the running index of a stream file from its
// section markers and reports where appending should resume: just
// before any trailing index or EOF marker, or at end-of-file for a
// file whose writer never closed.
func recoverStream(raw []byte) ([]indexEntry, int, error) {
	sc := lineScanner{data: raw}
	line, _, ok := sc.next()
	if !ok {
		return nil, 0, fmt.Errorf("%w: empty input", ErrFormat)
	}
	_, stream, err := parseMagic(line)
	if err != nil {
		return nil, 0, err
	}
	if !stream {
		return nil, 0, fmt.Errorf("%w: cannot append to a non-stream file", ErrFormat)
	}

	var entries []indexEntry
	current := ""
	contentStart := 0
	truncateAt := len(raw)

	closeCurrent := func(end int) {
		if current == "" {
			return
		}
		entries = append(entries, indexEntry{Name: current, Offset: contentStart, Length: end - contentStart})
		current = ""
	}

	for {
		line, start, ok := sc.next()
		if !ok {
			break
		}
		if strings.HasPrefix(line, EOFMarker) {
			closeCurrent(start)
			truncateAt = start
			break
		}
		if strings.HasPrefix(line, SectionPrefix) {
			closeCurrent(start)
			name := line[len(SectionPrefix):]
			if name == trailingIndexName {
				truncateAt = start
				break
			}
			if name == metaSectionName || name == indexSectionName {
				continue
			}
			current = name
			contentStart = sc.pos
		}
	}
	closeCurrent(truncateAt)
	return entries, truncateAt, nil
}

// WriteSection validates the name, appends the section header line and
// content, and flushes to durable storage. The section is recorded in
// the running index only once its bytes are on disk, so an interrupted
// process never leaves a recorded-but-unwritten section.
func (w *StreamWriter) WriteSection(name, content string) error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := ValidateSectionName(name); err != nil {
		return err
	}

	header := SectionPrefix + name + "\n"
	if _, err := io.WriteString(w.f, header+content+"\n"); err != nil {
		w.err = err
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.err = err
		return err
	}

	w.entries = append(w.entries, indexEntry{
		Name:   name,
		Offset: w.offset + len(header),
		Length: len(content) + 1,
	})
	w.digest.Write([]byte(content))
	w.offset += len(header) + len(content) + 1
	logger.Debug("pfm: streamed section %q (%d bytes)", name, len(content))
	return nil
}

// SectionsWritten returns how many sections have been recorded.
func (w *StreamWriter) SectionsWritten() int {
	return len(w.entries)
}

// Close appends the trailing index block (one line per recorded entry
// plus the computed checksum) and the closing EOF marker, flushes, and
// releases the file. Close is idempotent; writes after Close fail with
// ErrWriterClosed.
func (w *StreamWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		// The file stays recoverable up to the last completed write.
		w.f.Close()
		return w.err
	}

	var trailer bytes.Buffer
	trailer.WriteString(SectionPrefix + trailingIndexName + "\n")
	for _, e := range w.entries {
		fmt.Fprintf(&trailer, "%s %d %d\n", e.Name, e.Offset, e.Length)
	}
	fmt.Fprintf(&trailer, "%s %s\n", checksumIndexPrefix, hex.EncodeToString(w.digest.Sum(nil)))
	trailer.WriteString(eofClosedLine + "\n")

	if _, err := w.f.Write(trailer.Bytes()); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
