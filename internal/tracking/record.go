// Package tracking persists the progress of chunked multipart copies so that
// part workers can complete them exactly once.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// Tracking errors.
var (
	ErrNotFound          = errors.New("tracking record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyComplete   = errors.New("multipart copy already complete")
	ErrClaimLost         = errors.New("tracking claim lost")
	ErrInvalidPart       = errors.New("part number out of range")
)

// DefaultRetention is how long tracking records are kept after queueing.
const DefaultRetention = 7 * 24 * time.Hour

// Status is the lifecycle state of a tracking record.
type Status int

const (
	// StatusClaimed marks a record reserved by a coordinator that has not
	// queued its parts yet.
	StatusClaimed Status = iota
	StatusQueued
	StatusProcessing
	StatusComplete
)

var statusNames = map[Status]string{
	StatusClaimed:    "Claimed",
	StatusQueued:     "Queued",
	StatusProcessing: "Processing",
	StatusComplete:   "Complete",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus parses a status name.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusClaimed:
		return to == StatusQueued
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusComplete
	default:
		return false
	}
}

func transition(r *Record, to Status) error {
	if r.Status == StatusComplete {
		return ErrAlreadyComplete
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%s to %s: %w", r.Status, to, ErrInvalidTransition)
	}
	r.Status = to
	return nil
}

// Record tracks one multipart copy, keyed by object key and journal item hash.
type Record struct {
	Key                string         `json:"Key"`
	JournalItemHash    string         `json:"JournalItemHash"`
	UploadID           string         `json:"UploadId,omitempty"`
	TotalParts         int            `json:"TotalParts"`
	MaxPartSize        int64          `json:"MaxPartSize"`
	RemoteBucket       string         `json:"RemoteBucket,omitempty"`
	LocalBucket        string         `json:"LocalBucket,omitempty"`
	EncodedKey         string         `json:"EncodedKey,omitempty"`
	Status             Status         `json:"Status"`
	ProcessingAttempts int            `json:"ProcessingAttempts"`
	Parts              map[int]string `json:"Parts,omitempty"`
	ObjectETag         string         `json:"ObjectETag,omitempty"`
	ClaimToken         string         `json:"-"`
	ClaimExpires       time.Time      `json:"ClaimExpires,omitzero"`
	CreatedAt          time.Time      `json:"CreatedAt"`
	QueuedAt           time.Time      `json:"QueuedAt,omitzero"`
	LastProcessed      time.Time      `json:"LastProcessed,omitzero"`
	FinishedAt         time.Time      `json:"ProcessingFinished,omitzero"`
	Expire             time.Time      `json:"Expire"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	out := *r
	if r.Parts != nil {
		out.Parts = make(map[int]string, len(r.Parts))
		for n, etag := range r.Parts {
			out.Parts[n] = etag
		}
	}
	return &out
}

// HasAllParts reports whether every part 1..TotalParts has a marker.
func (r *Record) HasAllParts() bool {
	if r.TotalParts == 0 {
		return false
	}
	for n := 1; n <= r.TotalParts; n++ {
		if _, ok := r.Parts[n]; !ok {
			return false
		}
	}
	return true
}

// CompletedParts returns the part list in ascending part order.
func (r *Record) CompletedParts() []objstore.CompletedPart {
	parts := make([]objstore.CompletedPart, 0, len(r.Parts))
	for n, etag := range r.Parts {
		parts = append(parts, objstore.CompletedPart{PartNumber: n, ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

// ClaimOutcome describes the result of a Claim.
type ClaimOutcome int

const (
	// ClaimAcquired means the caller owns the record and must queue it.
	ClaimAcquired ClaimOutcome = iota
	// ClaimDuplicate means an upload was already started for this entry.
	ClaimDuplicate
	// ClaimInProgress means another live claim holds the record.
	ClaimInProgress
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// QueueParams holds the upload details written when a claim is queued.
type QueueParams struct {
	UploadID     string
	TotalParts   int
	MaxPartSize  int64
	RemoteBucket string
	LocalBucket  string
	EncodedKey   string
	Retention    time.Duration
}

// ListFilter restricts List results.
type ListFilter struct {
	Status *Status
	Limit  int
}

// Table stores tracking records. Every mutating method is one atomic
// conditional update.
type Table interface {
	// Claim creates the record if absent, or takes over an expired claim
	// that never queued an upload. The returned record carries the claim
	// token when the outcome is ClaimAcquired.
	Claim(ctx context.Context, key, hash, token string, lease time.Duration) (*Record, ClaimOutcome, error)

	// Queue records the upload for a claim still held under token.
	Queue(ctx context.Context, key, hash, token string, p QueueParams) (*Record, error)

	// Get returns a record.
	Get(ctx context.Context, key, hash string) (*Record, error)

	// RecordPart sets the marker of a part, counts the attempt, moves the
	// record to Processing and returns the updated record.
	RecordPart(ctx context.Context, key, hash string, part int, etag string) (*Record, error)

	// Complete marks the copy finished with the final object ETag.
	Complete(ctx context.Context, key, hash, objectETag string) (*Record, error)

	// List returns records ordered by creation time, newest first.
	List(ctx context.Context, f ListFilter) ([]*Record, error)

	// DeleteExpired removes records whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// applyClaim decides a claim against an existing record and, when taking it
// over, updates r in place.
func applyClaim(r *Record, token string, lease time.Duration, now time.Time) ClaimOutcome {
	if r.UploadID != "" || r.Status != StatusClaimed {
		return ClaimDuplicate
	}
	if now.Before(r.ClaimExpires) {
		return ClaimInProgress
	}
	r.ClaimToken = token
	r.ClaimExpires = now.Add(lease)
	r.Expire = r.ClaimExpires
	return ClaimAcquired
}

func newClaim(key, hash, token string, lease time.Duration, now time.Time) *Record {
	return &Record{
		Key:             key,
		JournalItemHash: hash,
		Status:          StatusClaimed,
		ClaimToken:      token,
		ClaimExpires:    now.Add(lease),
		CreatedAt:       now,
		Expire:          now.Add(lease),
	}
}

func applyQueue(r *Record, token string, p QueueParams, now time.Time) error {
	if r.ClaimToken != token || r.UploadID != "" {
		return ErrClaimLost
	}
	if p.TotalParts <= 0 || p.UploadID == "" {
		return fmt.Errorf("queue %s: upload id and parts are required", r.Key)
	}
	if err := transition(r, StatusQueued); err != nil {
		return err
	}
	if p.Retention <= 0 {
		p.Retention = DefaultRetention
	}
	r.UploadID = p.UploadID
	r.TotalParts = p.TotalParts
	r.MaxPartSize = p.MaxPartSize
	r.RemoteBucket = p.RemoteBucket
	r.LocalBucket = p.LocalBucket
	r.EncodedKey = p.EncodedKey
	r.QueuedAt = now
	r.Expire = now.Add(p.Retention)
	return nil
}

func applyPart(r *Record, part int, etag string, now time.Time) error {
	if r.Status == StatusComplete {
		return ErrAlreadyComplete
	}
	if part < 1 || part > r.TotalParts {
		return fmt.Errorf("part %d of %d: %w", part, r.TotalParts, ErrInvalidPart)
	}
	if err := transition(r, StatusProcessing); err != nil {
		return err
	}
	if r.Parts == nil {
		r.Parts = make(map[int]string)
	}
	r.Parts[part] = etag
	r.ProcessingAttempts++
	r.LastProcessed = now
	return nil
}

func applyComplete(r *Record, objectETag string, now time.Time) error {
	if r.Status != StatusComplete && !r.HasAllParts() {
		return fmt.Errorf("%d of %d parts copied: %w", len(r.Parts), r.TotalParts, ErrInvalidTransition)
	}
	if err := transition(r, StatusComplete); err != nil {
		return err
	}
	r.ObjectETag = objectETag
	r.FinishedAt = now
	return nil
}
