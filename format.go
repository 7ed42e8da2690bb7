package pfm

import (
	"bytes"
	"io"
	"os"
)

// Format constants. The magic line is the first line of every .pfm file
// and doubles as the version gate: readers reject any version other
// than FormatVersion before touching section content.
const (
	// Magic is the prefix of the first line of every .pfm file.
	Magic = "#!PFM"

	// FormatVersion is the wire format version this package reads and writes.
	FormatVersion = "1.0"

	// StreamFlag is appended to the magic line of files produced by the
	// stream writer, whose index lives at the end of the file.
	StreamFlag = ":STREAM"

	// SectionPrefix marks a section header line, e.g. "#@content".
	SectionPrefix = "#@"

	// EOFMarker terminates a document. Stream files carry a state
	// suffix: "#!END:CLOSED" means the writer finalised the file.
	EOFMarker = "#!END"

	// EncMagic is the plaintext header line of an encrypted .pfm file.
	EncMagic = "#!PFM-ENC/1.0"

	// Extension is the conventional file extension, shared by plaintext
	// and encrypted documents.
	Extension = ".pfm"

	// MaxMagicScanBytes bounds how much of a file the fast format
	// probes read.
	MaxMagicScanBytes = 64
)

// magicLine is the canonical first line of an inline-index file.
const magicLine = Magic + "/" + FormatVersion

// eofClosedLine terminates a finalised stream file.
const eofClosedLine = EOFMarker + ":CLOSED"

// Reserved section names. These head the structural blocks of a file
// and are rejected as user section names.
const (
	metaSectionName     = "meta"
	indexSectionName    = "index"
	trailingIndexName   = "index:trailing"
	contentSectionName  = "content"
	chainSectionName    = "chain"
	checksumIndexPrefix = "checksum"
)

// SectionTypes describes the well-known section names. The format does
// not restrict sections to these; they document the common vocabulary.
var SectionTypes = map[string]string{
	"meta":      "File metadata (id, agent, model, timestamps)",
	"index":     "Byte offset index for O(1) section access",
	"content":   "Primary output content from the agent",
	"chain":     "Prompt chain / conversation that produced this output",
	"tools":     "Tool calls made during generation",
	"artifacts": "Generated code, files, or structured data",
	"reasoning": "Agent reasoning / chain-of-thought",
	"context":   "Context window snapshot at generation time",
	"errors":    "Errors encountered during generation",
	"metrics":   "Performance metrics (tokens, latency, cost)",
}

// MetaFields describes the recognised metadata keys. Unrecognised keys
// are preserved in Document.CustomMeta.
var MetaFields = map[string]string{
	"id":       "Unique document identifier (UUID v4)",
	"agent":    "Name/identifier of the generating agent",
	"model":    "Model ID used for generation",
	"created":  "ISO-8601 creation timestamp",
	"checksum": "SHA-256 hash of all content sections",
	"parent":   "ID of the parent document (for chains)",
	"tags":     "Comma-separated tags",
	"version":  "Document version (user-defined)",
}

// metaFieldOrder is the order the encoder writes recognised fields in.
var metaFieldOrder = []string{
	"id", "agent", "model", "created", "checksum", "parent", "tags", "version",
}

// ValidateSectionName checks a user-supplied section name against the
// format's naming rules: non-empty, lowercase letters, digits, '-' and
// '_' only, and not one of the reserved structural names.
func ValidateSectionName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	switch name {
	case metaSectionName, indexSectionName, trailingIndexName:
		return &NameError{Name: name, Err: ErrReservedName}
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return &NameError{Name: name, Err: ErrInvalidName}
		}
	}
	return nil
}

// IsPFMBytes reports whether data looks like a PFM document. Only the
// magic prefix is inspected; encrypted documents match as well.
func IsPFMBytes(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Magic))
}

// IsPFM reports whether the file at path looks like a PFM document.
// At most MaxMagicScanBytes are read.
func IsPFM(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, MaxMagicScanBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return IsPFMBytes(head[:n]), nil
}

// IsEncrypted reports whether data is an encrypted PFM document.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(EncMagic))
}
