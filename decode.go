package pfm

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Decode parses a serialised document. It is the full-materialisation
// read path: every section is loaded into the returned Document.
func Decode(data []byte) (*Document, error) {
	return DecodeLimit(data, 0)
}

// DecodeLimit is Decode with a maximum input size. A maxSize of zero
// means unlimited; inputs over the ceiling fail with ErrSizeLimit
// before any parsing happens.
func DecodeLimit(data []byte, maxSize int64) (*Document, error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrSizeLimit, len(data), maxSize)
	}

	sc := lineScanner{data: data}
	line, _, ok := sc.next()
	if !ok {
		return nil, fmt.Errorf("%w: empty input", ErrFormat)
	}
	version, _, err := parseMagic(line)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		FormatVersion: version,
		CustomMeta:    make(map[string]string),
	}

	current := ""
	contentStart := 0
	inMeta := false
	sawEnd := false

	flush := func(end int) error {
		if current == "" {
			return nil
		}
		body := data[contentStart:end]
		// Drop the single newline the encoder appends after each body.
		if len(body) > 0 && body[len(body)-1] == '\n' {
			body = body[:len(body)-1]
		}
		_, err := doc.AddSection(current, string(body))
		return err
	}

	for {
		line, start, ok := sc.next()
		if !ok {
			break
		}

		if strings.HasPrefix(line, EOFMarker) {
			if err := flush(start); err != nil {
				return nil, err
			}
			current = ""
			sawEnd = true
			// Anything after the EOF marker is ignored.
			break
		}

		if strings.HasPrefix(line, SectionPrefix) {
			if err := flush(start); err != nil {
				return nil, err
			}
			name := line[len(SectionPrefix):]
			inMeta = name == metaSectionName
			if inMeta || name == indexSectionName || name == trailingIndexName {
				// Structural block: meta lines populate fields, index
				// lines are not needed for a full parse.
				current = ""
			} else {
				current = name
				contentStart = sc.pos
			}
			continue
		}

		if inMeta {
			if key, value, ok := cutMetaLine(line); ok {
				doc.SetMeta(key, value)
			}
		}
	}

	if !sawEnd {
		// Interrupted writer: no EOF marker, flush what is there.
		if err := flush(len(data)); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// DecodeFile reads and fully parses the file at path.
func DecodeFile(path string) (*Document, error) {
	return DecodeFileLimit(path, 0)
}

// DecodeFileLimit is DecodeFile with a maximum file size. The ceiling
// is checked against the file's size before the content is read.
func DecodeFileLimit(path string, maxSize int64) (*Document, error) {
	if maxSize > 0 {
		st, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if st.Size() > maxSize {
			return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrSizeLimit, st.Size(), maxSize)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeLimit(data, maxSize)
}

// parseMagic validates a magic line and returns the declared version
// and whether the stream flag is set.
func parseMagic(line string) (version string, stream bool, err error) {
	if strings.HasPrefix(line, EncMagic) {
		return "", false, ErrEncrypted
	}
	if !strings.HasPrefix(line, Magic) {
		return "", false, fmt.Errorf("%w: missing magic line", ErrFormat)
	}
	rest := line[len(Magic):]
	if !strings.HasPrefix(rest, "/") {
		return "", false, fmt.Errorf("%w: malformed magic line %q", ErrFormat, line)
	}
	version, flag, flagged := strings.Cut(rest[1:], ":")
	if version != FormatVersion {
		return "", false, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	stream = flagged && ":"+flag == StreamFlag
	return version, stream, nil
}

// cutMetaLine splits a "key: value" meta line.
func cutMetaLine(line string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(line, ": ")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

// lineScanner walks the newline-separated lines of a byte slice,
// reporting where each line starts. Unlike bufio.Scanner it exposes
// byte offsets, which the index and section slicing depend on.
type lineScanner struct {
	data []byte
	pos  int
}

func (s *lineScanner) next() (line string, start int, ok bool) {
	if s.pos >= len(s.data) {
		return "", s.pos, false
	}
	start = s.pos
	if i := bytes.IndexByte(s.data[s.pos:], '\n'); i >= 0 {
		line = string(s.data[s.pos : s.pos+i])
		s.pos += i + 1
	} else {
		line = string(s.data[s.pos:])
		s.pos = len(s.data)
	}
	return line, start, true
}
