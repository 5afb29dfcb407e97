package replication

import (
	"fmt"
	"strconv"
	"strings"
)

// Size thresholds of the copy path.
const (
	DefaultMultipartThreshold   int64 = 16_000_000
	DefaultPartSize             int64 = 16_000_000
	DefaultLargePartSize        int64 = 32_000_000
	DefaultLargeObjectThreshold int64 = 1_000_000_000
)

// Sizing decides between a direct copy and a multipart copy, and how large
// the parts of a multipart copy are.
type Sizing struct {
	// MultipartThreshold is the largest object copied directly.
	MultipartThreshold int64
	PartSize           int64
	// LargePartSize is used for objects of at least LargeObjectThreshold bytes.
	LargePartSize        int64
	LargeObjectThreshold int64
}

// DefaultSizing returns the stock thresholds.
func DefaultSizing() Sizing {
	return Sizing{
		MultipartThreshold:   DefaultMultipartThreshold,
		PartSize:             DefaultPartSize,
		LargePartSize:        DefaultLargePartSize,
		LargeObjectThreshold: DefaultLargeObjectThreshold,
	}
}

// UseMultipart reports whether an object of size bytes needs a multipart copy.
func (s Sizing) UseMultipart(size int64) bool {
	return size > s.MultipartThreshold
}

// PartSizeFor returns the part size for an object of size bytes.
func (s Sizing) PartSizeFor(size int64) int64 {
	if size >= s.LargeObjectThreshold {
		return s.LargePartSize
	}
	return s.PartSize
}

// ByteRange is one part of a partitioned object. First and Last are inclusive.
type ByteRange struct {
	PartNumber int
	First      int64
	Last       int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.Last - r.First + 1
}

// Header renders the range as a CopySourceRange value.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.First, r.Last)
}

// Partition splits [0, size) into contiguous parts of partSize bytes, the
// last one possibly shorter, numbered from 1.
func Partition(size, partSize int64) []ByteRange {
	if size <= 0 || partSize <= 0 {
		return nil
	}
	parts := make([]ByteRange, 0, (size+partSize-1)/partSize)
	for first, n := int64(0), 1; first < size; first, n = first+partSize, n+1 {
		last := first + partSize - 1
		if last >= size {
			last = size - 1
		}
		parts = append(parts, ByteRange{PartNumber: n, First: first, Last: last})
	}
	return parts
}

// ParseRange parses a "bytes=first-last" CopySourceRange value.
func ParseRange(header string) (first, last int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("range %q: missing bytes= prefix", header)
	}
	lo, hi, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("range %q: missing separator", header)
	}
	if first, err = strconv.ParseInt(lo, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("range %q: %w", header, err)
	}
	if last, err = strconv.ParseInt(hi, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("range %q: %w", header, err)
	}
	if first < 0 || last < first {
		return 0, 0, fmt.Errorf("range %q: invalid bounds", header)
	}
	return first, last, nil
}
