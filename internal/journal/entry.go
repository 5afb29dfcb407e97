// Package journal records object mutations into a per-region journal table
// and exposes the table's ordered change stream.
package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Journal errors.
var (
	ErrUnknownBucket = errors.New("bucket is not part of the deployment")
	ErrUnknownTable  = errors.New("journal table is not part of the deployment")
	ErrNotFound      = errors.New("journal entry not found")

	// ErrMalformedRecord marks a notification record that can never be
	// journaled, such as one with an undecodable key or event time.
	ErrMalformedRecord = errors.New("malformed notification record")
)

// TableSuffix is appended to the deployment base name to form the journal
// table name.
const TableSuffix = "-journal"

// Stream record event names.
const (
	StreamInsert = "INSERT"
	StreamModify = "MODIFY"
	StreamRemove = "REMOVE"
)

// Entry is one journaled object mutation.
type Entry struct {
	Key        string    `json:"Key"`
	EncodedKey string    `json:"EncodedKey"`
	EventName  string    `json:"EventName"`
	Time       time.Time `json:"Time"`
	Region     string    `json:"Region"`
	Principal  string    `json:"Principal"`
	IPAddress  string    `json:"IPAddress"`
	Source     string    `json:"Source"`
	Size       *int64    `json:"Size,omitempty"`
	Expire     time.Time `json:"Expire"`

	// UpdateRegion is the origin tag attached when the row is replicated
	// between regions. It is empty on the row as first written.
	UpdateRegion string `json:"UpdateRegion,omitempty"`
}

// EntryKey is the primary key of a journal row.
type EntryKey struct {
	Key       string    `json:"Key"`
	Region    string    `json:"Region"`
	Time      time.Time `json:"Time"`
	EventName string    `json:"EventName"`
}

// PrimaryKey returns the table key of e.
func (e Entry) PrimaryKey() EntryKey {
	return EntryKey{Key: e.Key, Region: e.Region, Time: e.Time, EventName: e.EventName}
}

// IsCreate reports whether the entry records an object creation.
func (e Entry) IsCreate() bool {
	return strings.HasPrefix(e.EventName, "ObjectCreated")
}

// IsRemove reports whether the entry records an object removal.
func (e Entry) IsRemove() bool {
	return strings.HasPrefix(e.EventName, "ObjectRemoved")
}

// StreamRecord is one change-stream record of a journal table.
type StreamRecord struct {
	SequenceNumber int64     `json:"SequenceNumber"`
	EventName      string    `json:"EventName"`
	SourceTable    string    `json:"SourceTable"`
	Keys           EntryKey  `json:"Keys"`
	NewImage       *Entry    `json:"NewImage,omitempty"`
	CreatedAt      time.Time `json:"CreatedAt"`
}

// Deployment describes the naming scheme shared by buckets and tables:
// bucket "<base>-<region>" belongs to table "<base>-journal".
type Deployment struct {
	BaseName string
	Regions  []string
}

// TableName returns the journal table name of the deployment.
func (d Deployment) TableName() string {
	return d.BaseName + TableSuffix
}

// BucketName returns the bucket of region.
func (d Deployment) BucketName(region string) string {
	return d.BaseName + "-" + region
}

// HasRegion reports whether region is configured.
func (d Deployment) HasRegion(region string) bool {
	for _, r := range d.Regions {
		if r == region {
			return true
		}
	}
	return false
}

// TableForBucket resolves the journal table of a bucket in region.
func (d Deployment) TableForBucket(bucket, region string) (string, error) {
	if !d.HasRegion(region) || bucket != d.BucketName(region) {
		return "", fmt.Errorf("%s in %s: %w", bucket, region, ErrUnknownBucket)
	}
	return d.TableName(), nil
}

// BaseFromTable extracts the deployment base name from a journal table name.
func BaseFromTable(table string) (string, error) {
	base, ok := strings.CutSuffix(table, TableSuffix)
	if !ok || base == "" {
		return "", fmt.Errorf("%s: %w", table, ErrUnknownTable)
	}
	return base, nil
}
