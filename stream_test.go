package pfm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamWriter_BasicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "stream-agent", "model": "test-model"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "streamed content"))
	require.NoError(t, w.WriteSection("chain", "user: hello\nagent: hi"))
	require.NoError(t, w.Close())

	raw := string(mustReadFile(t, path))
	assert.Contains(t, raw, Magic+"/"+FormatVersion+StreamFlag)
	assert.Contains(t, raw, "#@content")
	assert.Contains(t, raw, "#@chain")
	assert.Contains(t, raw, "#@index:trailing")
	assert.Contains(t, raw, EOFMarker+":CLOSED")
}

func TestStreamWriter_ReadableByFullParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compat"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "compat-test"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "compatibility check"))
	require.NoError(t, w.WriteSection("tools", "search('query')"))
	require.NoError(t, w.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "compat-test", doc.Agent)
	assert.Equal(t, "compatibility check", doc.Content())
	require.NotNil(t, doc.GetSection("tools"))
	assert.Equal(t, "search('query')", doc.GetSection("tools").Content)
}

func TestStreamWriter_MultilineContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi"+Extension)
	multiline := "line 1\nline 2\nline 3"

	w, err := NewStreamWriter(path, map[string]string{"agent": "multiline"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", multiline))
	require.NoError(t, w.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, multiline, doc.Content())
}

func TestStreamWriter_IncrementalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "flush-test"})
	require.NoError(t, err)

	require.NoError(t, w.WriteSection("content", "first section"))
	assert.Contains(t, string(mustReadFile(t, path)), "first section",
		"section bytes should be on disk before close")

	require.NoError(t, w.WriteSection("tools", "second section"))
	assert.Contains(t, string(mustReadFile(t, path)), "second section")

	require.NoError(t, w.Close())
}

func TestStreamWriter_SectionsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "count"+Extension)

	w, err := NewStreamWriter(path, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 0, w.SectionsWritten())
	require.NoError(t, w.WriteSection("content", "a"))
	assert.Equal(t, 1, w.SectionsWritten())
	require.NoError(t, w.WriteSection("chain", "b"))
	assert.Equal(t, 2, w.SectionsWritten())
}

func TestStreamWriter_WriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed"+Extension)

	w, err := NewStreamWriter(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "data"))
	require.NoError(t, w.Close())

	err = w.WriteSection("more", "data")
	assert.ErrorIs(t, err, ErrWriterClosed)

	require.NoError(t, w.Close(), "close is idempotent")
}

func TestStreamWriter_InvalidSectionName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid"+Extension)

	w, err := NewStreamWriter(path, nil)
	require.NoError(t, err)
	defer w.Close()

	assert.ErrorIs(t, w.WriteSection("Bad Name", "x"), ErrInvalidName)
	assert.ErrorIs(t, w.WriteSection("meta", "x"), ErrReservedName)
	assert.ErrorIs(t, w.WriteSection("", "x"), ErrEmptyName)
	assert.Equal(t, 0, w.SectionsWritten(), "rejected sections write no bytes")
}

func TestStreamWriter_CustomMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta"+Extension)

	w, err := NewStreamWriter(path, map[string]string{
		"agent":   "meta-test",
		"project": "my-project",
		"team":    "alpha",
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "custom meta test"))
	require.NoError(t, w.Close())

	raw := string(mustReadFile(t, path))
	assert.Contains(t, raw, "project: my-project")
	assert.Contains(t, raw, "team: alpha")

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "my-project", doc.CustomMeta["project"])
	assert.NotEmpty(t, doc.ID, "id is generated when absent")
	assert.NotEmpty(t, doc.Created)
}

func TestStreamWriter_LargeContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large"+Extension)
	large := strings.Repeat("x", 500_000)

	w, err := NewStreamWriter(path, map[string]string{"agent": "large"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", large))
	require.NoError(t, w.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, large, doc.Content())

	h, err := OpenHandle(path)
	require.NoError(t, err)
	defer h.Close()
	content, ok := h.GetSection("content")
	require.True(t, ok)
	assert.Equal(t, large, content)
}

func TestStreamWriter_ManySections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "many"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "many-sections"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, w.WriteSection(fmt.Sprintf("chunk_%d", i), fmt.Sprintf("data for chunk %d", i)))
	}
	require.NoError(t, w.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Sections, 50)
	assert.Equal(t, "data for chunk 0", doc.GetSection("chunk_0").Content)
	assert.Equal(t, "data for chunk 49", doc.GetSection("chunk_49").Content)
}

// truncateTrailer cuts a closed stream file back to its content,
// simulating a writer that died before Close.
func truncateTrailer(t *testing.T, path string) {
	t.Helper()
	raw := mustReadFile(t, path)
	cut := bytes.Index(raw, []byte(SectionPrefix+"index:trailing\n"))
	require.GreaterOrEqual(t, cut, 0)
	require.NoError(t, os.WriteFile(path, raw[:cut], 0o644))
}

func TestStreamWriter_CrashRecovery_FullParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "crash-test"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "survived the crash"))
	require.NoError(t, w.WriteSection("chain", "chain data"))
	require.NoError(t, w.Close())
	truncateTrailer(t, path)

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "crash-test", doc.Agent)
	assert.Equal(t, "survived the crash", doc.Content())
	assert.Equal(t, "chain data", doc.Chain())
	assert.Len(t, doc.Sections, 2)
	assert.Empty(t, doc.Checksum, "an unfinalised stream has no checksum")
}

func TestStreamWriterAppend_AfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "append-test"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "session 1 content"))
	require.NoError(t, w.Close())

	w2, err := NewStreamWriterAppend(path)
	require.NoError(t, err)
	assert.Equal(t, 1, w2.SectionsWritten(), "recovery restores the running index")
	require.NoError(t, w2.WriteSection("chain", "session 2 chain"))
	require.NoError(t, w2.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "session 1 content", doc.Content())
	assert.Equal(t, "session 2 chain", doc.Chain())

	// Indexed access sees both sessions through the rewritten trailer.
	h, err := OpenHandle(path)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, []string{"content", "chain"}, h.SectionNames())
	assert.True(t, h.ValidateChecksum())
}

func TestStreamWriterAppend_AfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash-append"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "crash-append"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "before the crash"))
	require.NoError(t, w.WriteSection("tools", "tool output"))
	require.NoError(t, w.Close())
	truncateTrailer(t, path)

	w2, err := NewStreamWriterAppend(path)
	require.NoError(t, err)
	assert.Equal(t, 2, w2.SectionsWritten())
	require.NoError(t, w2.WriteSection("chain", "after recovery"))
	require.NoError(t, w2.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Sections, 3)
	assert.Equal(t, "before the crash", doc.Content())
	assert.Equal(t, "after recovery", doc.Chain())

	h, err := OpenHandle(path)
	require.NoError(t, err)
	defer h.Close()
	assert.True(t, h.ValidateChecksum())
}

func TestStreamWriterAppend_DropsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial"+Extension)

	w, err := NewStreamWriter(path, map[string]string{"agent": "partial"})
	require.NoError(t, err)
	require.NoError(t, w.WriteSection("content", "complete line"))
	require.NoError(t, w.Close())
	truncateTrailer(t, path)

	// Simulate a write interrupted mid-line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("#@half")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := NewStreamWriterAppend(path)
	require.NoError(t, err)
	assert.Equal(t, 1, w2.SectionsWritten())
	require.NoError(t, w2.WriteSection("chain", "clean continuation"))
	require.NoError(t, w2.Close())

	doc, err := DecodeFile(path)
	require.NoError(t, err)
	require.Len(t, doc.Sections, 2)
	assert.Equal(t, "complete line", doc.Content())
	assert.Equal(t, "clean continuation", doc.Chain())
}

func TestStreamWriterAppend_RejectsNonStreamFile(t *testing.T) {
	doc := NewDocument("inline", "m")
	mustAddSection(t, doc, "content", "inline file")
	path := filepath.Join(t.TempDir(), "inline"+Extension)
	require.NoError(t, doc.WriteFile(path))

	_, err := NewStreamWriterAppend(path)
	assert.ErrorIs(t, err, ErrFormat)
}
