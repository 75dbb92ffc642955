package chat

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"bringyour.com/chat/protocol"
)

// attachments are validated and encoded locally before any network action
// is taken. oversized or disallowed input is rejected here and no state
// mutation occurs. the encode result is a transferable base64 data url,
// named with a uuid suffix so the server never sees a colliding or unsafe
// filename.

var MaxAttachmentByteCount = mib(16)

var allowedAttachmentExtensions = map[string]string{
	"txt":  "text/plain",
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func attachmentExtension(filename string) string {
	i := strings.LastIndex(filename, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}

// UniqueFilename keeps a sanitized basename and appends a uuid so
// repeated uploads of the same file never collide.
func UniqueFilename(filename string) string {
	extension := attachmentExtension(filename)
	basename := filename
	if extension != "" {
		basename = filename[:len(filename)-len(extension)-1]
	}
	safeBasename := unsafeFilenameRe.ReplaceAllString(basename, "_")
	if safeBasename == "" {
		safeBasename = "upload"
	}
	uniqueId := strings.ReplaceAll(uuid.New().String(), "-", "")
	if extension == "" {
		return fmt.Sprintf("%s_%s", safeBasename, uniqueId)
	}
	return fmt.Sprintf("%s_%s.%s", safeBasename, uniqueId, extension)
}

// EncodeAttachment validates a user-selected file and turns it into a
// transferable payload. this is the suspending file-read-to-encoding step:
// callers run it before enqueueing the send, and the engine re-validates
// the target channel when the send is applied.
func EncodeAttachment(filename string, data []byte) (*protocol.Attachment, error) {
	if ByteCount(len(data)) > MaxAttachmentByteCount {
		return nil, fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentByteCount)
	}
	extension := attachmentExtension(filename)
	mimeType, ok := allowedAttachmentExtensions[extension]
	if !ok {
		return nil, fmt.Errorf("attachment type %q not allowed", extension)
	}

	return &protocol.Attachment{
		Name: UniqueFilename(filename),
		Type: mimeType,
		Data: fmt.Sprintf(
			"data:%s;base64,%s",
			mimeType,
			base64.StdEncoding.EncodeToString(data),
		),
	}, nil
}
