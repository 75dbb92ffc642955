package chat

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeAttachment(t *testing.T) {
	attachment, err := EncodeAttachment("notes.txt", []byte("hello"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "text/plain", attachment.Type)
	assert.Equal(t, true, strings.HasPrefix(attachment.Data, "data:text/plain;base64,"))
	assert.Equal(t, true, strings.HasPrefix(attachment.Name, "notes_"))
	assert.Equal(t, true, strings.HasSuffix(attachment.Name, ".txt"))
}

func TestEncodeAttachmentRejectsOversized(t *testing.T) {
	data := make([]byte, MaxAttachmentByteCount+1)
	attachment, err := EncodeAttachment("big.png", data)
	assert.Equal(t, nil, attachment)
	assert.NotEqual(t, nil, err)
}

func TestEncodeAttachmentRejectsDisallowedType(t *testing.T) {
	for _, filename := range []string{"run.exe", "script.sh", "noextension"} {
		attachment, err := EncodeAttachment(filename, []byte("x"))
		assert.Equal(t, nil, attachment)
		assert.NotEqual(t, nil, err)
	}
}

func TestUniqueFilename(t *testing.T) {
	a := UniqueFilename("my report (final).pdf")
	b := UniqueFilename("my report (final).pdf")
	assert.NotEqual(t, a, b)
	assert.Equal(t, true, strings.HasPrefix(a, "my_report_final_"))
	assert.Equal(t, true, strings.HasSuffix(a, ".pdf"))
	// no unsafe characters survive
	assert.Equal(t, false, strings.ContainsAny(a, "() /\\"))
}
