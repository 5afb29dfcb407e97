package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// Task message attributes.
const (
	AttrJournalItemHash = "JournalItemHash"
	EventUploadPartCopy = "UploadPartCopy"
)

// ErrMalformedMessage marks a queue message that can never succeed. Such
// messages are deleted instead of redelivered.
var ErrMalformedMessage = errors.New("malformed queue message")

// PartCopyTask asks a part worker to copy one byte range into a multipart upload.
type PartCopyTask struct {
	Bucket          string `json:"Bucket"`
	Key             string `json:"Key"`
	PartNumber      int    `json:"PartNumber"`
	CopySource      string `json:"CopySource"`
	CopySourceRange string `json:"CopySourceRange"`
	UploadID        string `json:"UploadId"`
}

// NewPartCopyTask builds the task for one part of an upload.
func NewPartCopyTask(localBucket, key, uploadID, remoteBucket, encodedKey string, r ByteRange) PartCopyTask {
	return PartCopyTask{
		Bucket:          localBucket,
		Key:             key,
		PartNumber:      r.PartNumber,
		CopySource:      "/" + remoteBucket + "/" + encodedKey,
		CopySourceRange: r.Header(),
		UploadID:        uploadID,
	}
}

// DecodePartCopyTask parses and checks a task body.
func DecodePartCopyTask(body []byte) (PartCopyTask, error) {
	var t PartCopyTask
	if err := json.Unmarshal(body, &t); err != nil {
		return t, fmt.Errorf("decode part copy task: %v: %w", err, ErrMalformedMessage)
	}
	if t.Bucket == "" || t.Key == "" || t.UploadID == "" || t.PartNumber < 1 {
		return t, fmt.Errorf("part copy task missing fields: %w", ErrMalformedMessage)
	}
	return t, nil
}

// ParseCopySource splits "/bucket/encodedKey" and decodes the key.
func ParseCopySource(source string) (bucket, key string, err error) {
	bucket, encoded, ok := strings.Cut(strings.TrimPrefix(source, "/"), "/")
	if !ok || bucket == "" || encoded == "" {
		return "", "", fmt.Errorf("copy source %q: %w", source, ErrMalformedMessage)
	}
	key, err = objstore.DecodeKey(encoded)
	if err != nil {
		return "", "", fmt.Errorf("copy source %q: %v: %w", source, err, ErrMalformedMessage)
	}
	return bucket, key, nil
}
