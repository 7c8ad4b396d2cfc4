package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

var errBadCursor = errors.New("invalid cursor")

func pageSize(requested int) int {
	switch {
	case requested <= 0:
		return defaultPageSize
	case requested > maxPageSize:
		return maxPageSize
	}
	return requested
}

// complaintCursor marks the last complaint of a page in (created_at, id)
// order. It travels as opaque base64.
type complaintCursor struct {
	CreatedAt string
	ID        string
}

func (c complaintCursor) String() string {
	if c.CreatedAt == "" || c.ID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(c.CreatedAt + "|" + c.ID))
}

func decodeComplaintCursor(s string) (complaintCursor, error) {
	if s == "" {
		return complaintCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return complaintCursor{}, errBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return complaintCursor{}, errBadCursor
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		return complaintCursor{}, errBadCursor
	}
	return complaintCursor{CreatedAt: ts, ID: id}, nil
}

// Event pages walk backwards by id; the cursor is the last id returned.
func decodeEventCursor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadCursor
	}
	return id, nil
}

func badCursor(cursor string) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", errBadCursor.Error(), map[string]any{"cursor": cursor})
}
