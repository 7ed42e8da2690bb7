package pfm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jasonsutter87/pfm-go/internal/logger"
)

// indexEntry locates one section body on disk. Offset points at the
// first byte after the section's header line.
type indexEntry struct {
	Name   string
	Offset int
	Length int
}

// sectionIndex maps section names to their byte ranges, preserving
// the order entries appear in the file.
type sectionIndex struct {
	byName map[string][]indexEntry
	order  []indexEntry
}

func newSectionIndex() *sectionIndex {
	return &sectionIndex{byName: make(map[string][]indexEntry)}
}

func (x *sectionIndex) add(e indexEntry) {
	x.byName[e.Name] = append(x.byName[e.Name], e)
	x.order = append(x.order, e)
}

func (x *sectionIndex) first(name string) (indexEntry, bool) {
	entries := x.byName[name]
	if len(entries) == 0 {
		return indexEntry{}, false
	}
	return entries[0], true
}

func (x *sectionIndex) all(name string) []indexEntry {
	return x.byName[name]
}

func (x *sectionIndex) len() int {
	return len(x.order)
}

// names returns the distinct section names in first-appearance order.
func (x *sectionIndex) names() []string {
	seen := make(map[string]bool, len(x.byName))
	var out []string
	for _, e := range x.order {
		if !seen[e.Name] {
			seen[e.Name] = true
			out = append(out, e.Name)
		}
	}
	return out
}

// Handle is a lazy reader over a .pfm file: it keeps the raw bytes and
// an offset index without materialising sections into a Document.
// Section access slices the buffer directly, O(1) relative to file
// size. A Handle is read-only; concurrent reads of an open handle are
// safe once construction returns.
type Handle struct {
	raw           []byte
	meta          map[string]string
	index         *sectionIndex
	formatVersion string
	stream        bool
	closed        bool
}

// OpenHandle opens the file at path for indexed, lazy reading. Only
// the header region is parsed: magic line, meta block, and the index.
// For stream-mode files whose index was written at end-of-stream, the
// index is recovered by scanning backward from EOF.
func OpenHandle(path string) (*Handle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewHandle(raw)
}

// NewHandle builds a lazy reading handle over in-memory bytes.
func NewHandle(raw []byte) (*Handle, error) {
	h := &Handle{
		raw:   raw,
		meta:  make(map[string]string),
		index: newSectionIndex(),
	}
	if err := h.parseHeader(); err != nil {
		return nil, err
	}
	return h, nil
}

// parseHeader scans the magic line, meta block and inline index, and
// stops as soon as a content section marker is reached. If the file is
// stream-flagged and no inline index was found, the trailing index is
// recovered instead.
func (h *Handle) parseHeader() error {
	sc := lineScanner{data: h.raw}
	line, _, ok := sc.next()
	if !ok {
		return fmt.Errorf("%w: empty input", ErrFormat)
	}
	version, stream, err := parseMagic(line)
	if err != nil {
		return err
	}
	h.formatVersion = version
	h.stream = stream

	current := ""
	for {
		line, _, ok := sc.next()
		if !ok {
			break
		}
		if strings.HasPrefix(line, EOFMarker) {
			break
		}
		if strings.HasPrefix(line, SectionPrefix) {
			name := line[len(SectionPrefix):]
			switch name {
			case metaSectionName, indexSectionName, trailingIndexName:
				current = name
				continue
			}
			// First content section: the inline header is complete.
			break
		}
		switch current {
		case metaSectionName:
			if key, value, ok := cutMetaLine(line); ok {
				h.meta[key] = value
			}
		case indexSectionName, trailingIndexName:
			parts := strings.Fields(line)
			if len(parts) != 3 || parts[0] == checksumIndexPrefix {
				continue
			}
			offset, err1 := strconv.Atoi(parts[1])
			length, err2 := strconv.Atoi(parts[2])
			if err1 != nil || err2 != nil {
				continue
			}
			h.index.add(indexEntry{Name: parts[0], Offset: offset, Length: length})
		}
	}

	if h.stream && h.index.len() == 0 {
		if err := h.recoverTrailingIndex(); err != nil {
			return err
		}
		logger.Debug("pfm: recovered trailing index, %d entries", h.index.len())
	} else {
		logger.Debug("pfm: parsed inline index, %d entries", h.index.len())
	}
	return nil
}

// recoverTrailingIndex walks the file's lines in reverse, collecting
// "name offset length" triples until the index:trailing marker is
// reached. Blank lines and the EOF marker are skipped and a trailing
// "checksum <hex>" line is folded into meta; any other malformed line
// aborts recovery.
func (h *Handle) recoverTrailingIndex() error {
	lines := strings.Split(string(h.raw), "\n")
	var collected []indexEntry
	found := false
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, EOFMarker) {
			continue
		}
		if line == SectionPrefix+trailingIndexName {
			found = true
			break
		}
		parts := strings.Fields(line)
		if len(parts) == 2 && parts[0] == checksumIndexPrefix {
			if _, ok := h.meta["checksum"]; !ok {
				h.meta["checksum"] = parts[1]
			}
			continue
		}
		if len(parts) == 3 {
			offset, err1 := strconv.Atoi(parts[1])
			length, err2 := strconv.Atoi(parts[2])
			if err1 == nil && err2 == nil {
				collected = append(collected, indexEntry{Name: parts[0], Offset: offset, Length: length})
				continue
			}
		}
		return fmt.Errorf("%w: malformed trailing index line %q", ErrFormat, line)
	}
	if !found {
		return fmt.Errorf("%w: trailing index not found", ErrFormat)
	}
	// Entries were collected bottom-up; restore file order.
	for i := len(collected) - 1; i >= 0; i-- {
		h.index.add(collected[i])
	}
	return nil
}

// GetSection returns the content of the first section with the given
// name. The byte range comes straight from the index: no scanning.
func (h *Handle) GetSection(name string) (string, bool) {
	entry, ok := h.index.first(name)
	if !ok {
		return "", false
	}
	return h.slice(entry)
}

// GetSections returns the content of every section with the given
// name, in file order.
func (h *Handle) GetSections(name string) []string {
	var out []string
	for _, e := range h.index.all(name) {
		if content, ok := h.slice(e); ok {
			out = append(out, content)
		}
	}
	return out
}

func (h *Handle) slice(e indexEntry) (string, bool) {
	if h.closed || e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(h.raw) {
		return "", false
	}
	body := h.raw[e.Offset : e.Offset+e.Length]
	if len(body) > 0 && body[len(body)-1] == '\n' {
		body = body[:len(body)-1]
	}
	return string(body), true
}

// SectionNames returns the distinct indexed section names in file order.
func (h *Handle) SectionNames() []string {
	return h.index.names()
}

// Meta returns the metadata parsed from the header region.
func (h *Handle) Meta() map[string]string {
	return h.meta
}

// FormatVersion returns the wire format version from the magic line.
func (h *Handle) FormatVersion() string {
	return h.formatVersion
}

// Document materialises the whole file through the full parser.
func (h *Handle) Document() (*Document, error) {
	if h.closed {
		return nil, os.ErrClosed
	}
	return Decode(h.raw)
}

// ValidateChecksum recomputes a SHA-256 over every indexed section's
// raw bytes (the single writer-added newline stripped from each), in
// index order, and compares it to the checksum stored in meta. With no
// stored checksum there is nothing to check and the result is true.
func (h *Handle) ValidateChecksum() bool {
	expected := h.meta["checksum"]
	if expected == "" {
		return true
	}
	if h.closed {
		return false
	}
	digest := sha256.New()
	for _, e := range h.index.order {
		if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(h.raw) {
			return false
		}
		body := h.raw[e.Offset : e.Offset+e.Length]
		if len(body) > 0 && body[len(body)-1] == '\n' {
			body = body[:len(body)-1]
		}
		digest.Write(body)
	}
	return hex.EncodeToString(digest.Sum(nil)) == expected
}

// Close releases the handle's buffer. Further section access reports
// absent. Close is idempotent.
func (h *Handle) Close() error {
	h.closed = true
	h.raw = nil
	return nil
}
