// Package remote defines the collaborators the sync engine calls out to:
// the record service holding the authoritative copy of every record, and
// the session provider supplying the credential for each call.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/kimhsiao/tasksync/internal/models"
)

// RecordService is the server API, addressed per table.
// Implementations must surface timeouts as ordinary errors.
type RecordService interface {
	// Create stores a new record and returns it with its server id.
	Create(ctx context.Context, auth string, table models.Table, fields models.Fields) (*models.Record, error)

	// Update applies partial fields. The returned record may be nil when
	// the server answers without a body.
	Update(ctx context.Context, auth string, table models.Table, id int64, fields models.Fields) (*models.Record, error)

	// Delete removes a record. A record that no longer exists is a success.
	Delete(ctx context.Context, auth string, table models.Table, id int64) error

	// ListAll returns every record of a table.
	ListAll(ctx context.Context, auth string, table models.Table) ([]*models.Record, error)
}

// SessionProvider supplies an opaque credential for each remote call.
type SessionProvider interface {
	Session(ctx context.Context) (string, error)
}

// StaticSession is a SessionProvider with a fixed credential.
type StaticSession string

// Session implements SessionProvider.
func (s StaticSession) Session(context.Context) (string, error) {
	if s == "" {
		return "", stderrors.New("no session configured")
	}
	return string(s), nil
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsPermanent reports whether retrying err can never succeed: a 4xx other
// than 408 Request Timeout and 429 Too Many Requests. Network errors,
// timeouts and 5xx responses are transient.
func IsPermanent(err error) bool {
	code := StatusCode(err)
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

// IsAuthFailure reports whether the server rejected the credential.
func IsAuthFailure(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
