// Package gateway serves an S3-style HTTP API over the local filesystem
// object store. Every mutation is attributed to the principal of the bearer
// token, which is what the journal writer later sees in notifications.
package gateway

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/regionsync/internal/logging/audit"
	"github.com/tunnelmesh/regionsync/internal/metrics"
	"github.com/tunnelmesh/regionsync/internal/objstore"
)

// ObjectAPI is the part of the object store the gateway exposes.
type ObjectAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, contentType string) (*objstore.ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *objstore.ObjectInfo, error)
	HeadObject(ctx context.Context, bucket, key string) (*objstore.ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	CopyObject(ctx context.Context, dstBucket, dstKey, srcBucket, srcKey string) (*objstore.ObjectInfo, error)
	ListObjects(ctx context.Context, bucket string) ([]objstore.ObjectInfo, error)
}

// Reserved recognizes principals that clients may not act as.
type Reserved interface {
	Matches(principal string) bool
}

// Config holds configuration for a Server.
type Config struct {
	Store   ObjectAPI
	Tokens  *Tokens
	Reserve Reserved
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Server provides the gateway HTTP interface.
type Server struct {
	store   ObjectAPI
	tokens  *Tokens
	reserve Reserved
	audit   *audit.Logger
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewServer creates a gateway server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	return &Server{
		store:   cfg.Store,
		tokens:  cfg.Tokens,
		reserve: cfg.Reserve,
		audit:   audit.NewLogger(cfg.Logger),
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// errAccessDenied is returned for tokens naming a reserved principal.
var errAccessDenied = errors.New("access denied")

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status code to a metric status label.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusUnauthorized, httpStatus == http.StatusForbidden:
		return "access_denied"
	default:
		return "error"
	}
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler returns the HTTP handler for gateway requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleRequest)
}

// handleRequest routes /{bucket} and /{bucket}/{key...} requests.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	op := operation(r, key)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	defer func() {
		s.metrics.RecordRequest(op, classifyStatus(rec.getStatus()), time.Since(start).Seconds())
	}()

	s.logger.Debug().
		Str("method", r.Method).
		Str("bucket", bucket).
		Str("key", key).
		Msg("gateway request")

	if bucket == "" || op == "" {
		s.writeError(rec, http.StatusMethodNotAllowed, "MethodNotAllowed", "Method not allowed")
		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		s.audit.LogAuth(principal, audit.Denied, err.Error(), sourceIP(r))
		if errors.Is(err, errAccessDenied) {
			s.writeError(rec, http.StatusForbidden, "AccessDenied", "Access denied")
		} else {
			s.writeError(rec, http.StatusUnauthorized, "InvalidToken", "Authentication failed")
		}
		return
	}

	ctx := objstore.WithActor(r.Context(), objstore.Actor{Principal: principal, SourceIP: sourceIP(r)})
	r = r.WithContext(ctx)

	switch op {
	case "ListObjects":
		err = s.listObjects(rec, r, bucket)
	case "GetObject":
		err = s.getObject(rec, r, bucket, key)
	case "HeadObject":
		err = s.headObject(rec, r, bucket, key)
	case "PutObject":
		err = s.putObject(rec, r, bucket, key)
	case "CopyObject":
		err = s.copyObject(rec, r, bucket, key)
	case "DeleteObject":
		err = s.deleteObject(rec, r, bucket, key)
	}

	result, details := audit.Allowed, ""
	if err != nil {
		result, details = audit.Denied, err.Error()
		s.writeStoreError(rec, r, err)
	}
	s.audit.LogObjectOp(principal, op, bucket, key, result, details, sourceIP(r))
}

func operation(r *http.Request, key string) string {
	switch {
	case key == "" && r.Method == http.MethodGet:
		return "ListObjects"
	case key == "":
		return ""
	case r.Method == http.MethodGet:
		return "GetObject"
	case r.Method == http.MethodHead:
		return "HeadObject"
	case r.Method == http.MethodPut && r.Header.Get("x-amz-copy-source") != "":
		return "CopyObject"
	case r.Method == http.MethodPut:
		return "PutObject"
	case r.Method == http.MethodDelete:
		return "DeleteObject"
	default:
		return ""
	}
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("%w: missing bearer token", ErrInvalidToken)
	}
	principal, err := s.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	if s.reserve != nil && s.reserve.Matches(principal) {
		return principal, fmt.Errorf("%w: principal %s is reserved for replication", errAccessDenied, principal)
	}
	return principal, nil
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request, bucket string) error {
	objects, err := s.store.ListObjects(r.Context(), bucket)
	if err != nil {
		return err
	}
	prefix := r.URL.Query().Get("prefix")
	resp := ListBucketResult{Name: bucket, Prefix: prefix}
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) {
			continue
		}
		resp.Contents = append(resp.Contents, ObjectInfo{
			Key:          obj.Key,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
			ETag:         obj.ETag,
			Size:         obj.Size,
		})
	}
	resp.KeyCount = len(resp.Contents)
	s.writeXML(w, http.StatusOK, resp)
	return nil
}

func setObjectHeaders(w http.ResponseWriter, info *objstore.ObjectInfo) {
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size))
	w.Header().Set("ETag", info.ETag)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, bucket, key string) error {
	body, info, err := s.store.GetObject(r.Context(), bucket, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	setObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("failed to stream object")
	}
	return nil
}

func (s *Server) headObject(w http.ResponseWriter, r *http.Request, bucket, key string) error {
	info, err := s.store.HeadObject(r.Context(), bucket, key)
	if err != nil {
		return err
	}
	setObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, bucket, key string) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.store.PutObject(r.Context(), bucket, key, r.Body, contentType)
	if err != nil {
		return err
	}
	w.Header().Set("ETag", info.ETag)
	w.WriteHeader(http.StatusOK)
	return nil
}

// copyObject handles PUT with an x-amz-copy-source header of the form
// "/bucket/key" or "bucket/key", URL-encoded.
func (s *Server) copyObject(w http.ResponseWriter, r *http.Request, bucket, key string) error {
	source, err := url.PathUnescape(strings.TrimPrefix(r.Header.Get("x-amz-copy-source"), "/"))
	if err != nil {
		return fmt.Errorf("%w: copy source: %w", objstore.ErrInvalidRequest, err)
	}
	srcBucket, srcKey, ok := strings.Cut(source, "/")
	if !ok || srcBucket == "" || srcKey == "" {
		return fmt.Errorf("%w: copy source %q", objstore.ErrInvalidRequest, source)
	}
	info, err := s.store.CopyObject(r.Context(), bucket, key, srcBucket, srcKey)
	if err != nil {
		return err
	}
	s.writeXML(w, http.StatusOK, CopyObjectResult{
		ETag:         info.ETag,
		LastModified: info.LastModified.UTC().Format(time.RFC3339),
	})
	return nil
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, bucket, key string) error {
	err := s.store.DeleteObject(r.Context(), bucket, key)
	if err != nil && !errors.Is(err, objstore.ErrObjectNotFound) {
		return err
	}
	// Deleting a missing object succeeds, as in S3.
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, objstore.ErrBucketNotFound):
		s.writeErrorFor(w, r, http.StatusNotFound, "NoSuchBucket", "Bucket not found")
	case errors.Is(err, objstore.ErrObjectNotFound):
		s.writeErrorFor(w, r, http.StatusNotFound, "NoSuchKey", "Object not found")
	case errors.Is(err, objstore.ErrInvalidRequest):
		s.writeErrorFor(w, r, http.StatusBadRequest, "InvalidRequest", err.Error())
	default:
		s.writeErrorFor(w, r, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

// writeErrorFor omits the body on HEAD requests.
func (s *Server) writeErrorFor(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	s.writeError(w, status, code, message)
}

// writeError writes an S3-style XML error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeXML(w, status, ErrorResponse{Code: code, Message: message})
}

func (s *Server) writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode XML response")
	}
}

// ErrorResponse represents an S3 error.
type ErrorResponse struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

// ListBucketResult is the response for listing objects.
type ListBucketResult struct {
	XMLName  xml.Name     `xml:"ListBucketResult"`
	Name     string       `xml:"Name"`
	Prefix   string       `xml:"Prefix"`
	KeyCount int          `xml:"KeyCount"`
	Contents []ObjectInfo `xml:"Contents"`
}

// ObjectInfo represents an object in a listing.
type ObjectInfo struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

// CopyObjectResult is the response of a server-side copy.
type CopyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}
