package pfm

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Encode serialises a document to its on-disk form: magic line, meta
// block, inline index, section blocks, EOF marker. The document's
// checksum is recomputed and stored before the meta block is written,
// so Encode mutates doc.Checksum.
func Encode(doc *Document) ([]byte, error) {
	for i := range doc.Sections {
		if err := ValidateSectionName(doc.Sections[i].Name); err != nil {
			return nil, err
		}
	}
	doc.UpdateChecksum()

	var head bytes.Buffer
	head.WriteString(magicLine + "\n")
	writeMetaBlock(&head, doc.MetaMap())
	headLen := head.Len()

	headers := make([]string, len(doc.Sections))
	for i := range doc.Sections {
		headers[i] = SectionPrefix + doc.Sections[i].Name + "\n"
	}

	// The index precedes the content it points at, so entry offsets
	// depend on the index's own size. Offsets only grow as the index
	// grows, so iterating to a fixed point terminates.
	indexLen := 0
	var indexBlock string
	for {
		var ib strings.Builder
		ib.WriteString(SectionPrefix + indexSectionName + "\n")
		pos := headLen + indexLen
		for i := range doc.Sections {
			offset := pos + len(headers[i])
			length := len(doc.Sections[i].Content) + 1
			fmt.Fprintf(&ib, "%s %d %d\n", doc.Sections[i].Name, offset, length)
			pos = offset + length
		}
		if ib.Len() == indexLen {
			indexBlock = ib.String()
			break
		}
		indexLen = ib.Len()
	}

	head.WriteString(indexBlock)
	for i := range doc.Sections {
		head.WriteString(headers[i])
		head.WriteString(doc.Sections[i].Content)
		head.WriteByte('\n')
	}
	head.WriteString(EOFMarker + "\n")
	return head.Bytes(), nil
}

// writeMetaBlock writes "#@meta" followed by one "key: value" line per
// entry: recognised fields first in their fixed order, then the
// remaining keys sorted.
func writeMetaBlock(b *bytes.Buffer, meta map[string]string) {
	b.WriteString(SectionPrefix + metaSectionName + "\n")
	written := make(map[string]bool, len(metaFieldOrder))
	for _, k := range metaFieldOrder {
		if v, ok := meta[k]; ok && v != "" {
			fmt.Fprintf(b, "%s: %s\n", k, v)
			written[k] = true
		}
	}
	rest := make([]string, 0, len(meta))
	for k := range meta {
		if !written[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(b, "%s: %s\n", k, meta[k])
	}
}
