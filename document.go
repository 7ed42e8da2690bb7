package pfm

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Section is a named, ordered block of text content within a document.
type Section struct {
	// Name identifies the section. Multiple sections may share a name.
	Name string

	// Content is the section body, verbatim.
	Content string

	// Offset is the absolute byte offset of the section body within its
	// source file. Populated only when the section was located through
	// indexed access; zero for sections built in memory.
	Offset int

	// Length is the byte length of the section body on disk, including
	// the single newline the encoder appends. Zero for in-memory sections.
	Length int
}

// Document is the in-memory representation of a .pfm file: identity
// metadata plus an ordered sequence of sections.
type Document struct {
	// ID is an opaque unique identifier, a UUID v4 for new documents.
	ID string

	// Agent names the agent that generated this document.
	Agent string

	// Model is the model ID used for generation.
	Model string

	// Created is the creation timestamp, RFC 3339.
	Created string

	// Checksum is the SHA-256 hex digest of all section contents
	// concatenated in order. Empty until computed.
	Checksum string

	// Parent is the ID of the parent document, for lineage chains.
	Parent string

	// Tags are free-form labels, serialised as a comma-joined string.
	Tags []string

	// Version is a user-defined document version.
	Version string

	// FormatVersion is the wire format version, set when parsing.
	FormatVersion string

	// CustomMeta holds metadata keys outside the recognised set.
	CustomMeta map[string]string

	// Sections is the ordered content of the document.
	Sections []Section
}

// NewDocument creates a fresh document with a generated ID and
// creation timestamp.
func NewDocument(agent, model string) *Document {
	return &Document{
		ID:            uuid.New().String(),
		Agent:         agent,
		Model:         model,
		Created:       time.Now().UTC().Format(time.RFC3339),
		FormatVersion: FormatVersion,
		CustomMeta:    make(map[string]string),
	}
}

// AddSection validates the name and appends a section.
func (d *Document) AddSection(name, content string) (*Section, error) {
	if err := ValidateSectionName(name); err != nil {
		return nil, err
	}
	d.Sections = append(d.Sections, Section{Name: name, Content: content})
	return &d.Sections[len(d.Sections)-1], nil
}

// GetSection returns the first section with the given name, or nil.
func (d *Document) GetSection(name string) *Section {
	for i := range d.Sections {
		if d.Sections[i].Name == name {
			return &d.Sections[i]
		}
	}
	return nil
}

// GetSections returns all sections with the given name, in order.
func (d *Document) GetSections(name string) []Section {
	var out []Section
	for _, s := range d.Sections {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Content returns the body of the first "content" section, or "".
func (d *Document) Content() string {
	if s := d.GetSection(contentSectionName); s != nil {
		return s.Content
	}
	return ""
}

// Chain returns the body of the first "chain" section, or "".
func (d *Document) Chain() string {
	if s := d.GetSection(chainSectionName); s != nil {
		return s.Content
	}
	return ""
}

// ComputeChecksum returns the SHA-256 hex digest of every section's
// content concatenated in declaration order. Content only: no names,
// no separators.
func (d *Document) ComputeChecksum() string {
	h := sha256.New()
	for _, s := range d.Sections {
		h.Write([]byte(s.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UpdateChecksum recomputes the checksum and stores it on the document.
func (d *Document) UpdateChecksum() {
	d.Checksum = d.ComputeChecksum()
}

// ValidateChecksum reports whether the stored checksum matches the
// current content. A document with no stored checksum is trivially
// valid: there is nothing to check.
func (d *Document) ValidateChecksum() bool {
	if d.Checksum == "" {
		return true
	}
	return d.Checksum == d.ComputeChecksum()
}

// SetMeta assigns a metadata key. Recognised keys go to their typed
// fields, every other key to CustomMeta.
func (d *Document) SetMeta(key, value string) {
	switch key {
	case "id":
		d.ID = value
	case "agent":
		d.Agent = value
	case "model":
		d.Model = value
	case "created":
		d.Created = value
	case "checksum":
		d.Checksum = value
	case "parent":
		d.Parent = value
	case "tags":
		d.Tags = splitTags(value)
	case "version":
		d.Version = value
	default:
		if d.CustomMeta == nil {
			d.CustomMeta = make(map[string]string)
		}
		d.CustomMeta[key] = value
	}
}

// MetaMap returns the document's metadata as a flat map: recognised
// fields (empty ones omitted, tags comma-joined) merged over the
// custom keys.
func (d *Document) MetaMap() map[string]string {
	m := make(map[string]string, len(d.CustomMeta)+8)
	for k, v := range d.CustomMeta {
		m[k] = v
	}
	for k, v := range map[string]string{
		"id":       d.ID,
		"agent":    d.Agent,
		"model":    d.Model,
		"created":  d.Created,
		"checksum": d.Checksum,
		"parent":   d.Parent,
		"version":  d.Version,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if len(d.Tags) > 0 {
		m["tags"] = strings.Join(d.Tags, ",")
	}
	return m
}

// WriteFile encodes the document and writes it to path.
func (d *Document) WriteFile(path string) error {
	data, err := Encode(d)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func splitTags(value string) []string {
	var tags []string
	for _, t := range strings.Split(value, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
