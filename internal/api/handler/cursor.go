package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// JobCursor marks a position in the newest-first job listing. Job ids
// are monotonic, so the id alone is enough to resume a page.
type JobCursor struct {
	JobID int64
}

// DecodeJobCursor parses an opaque cursor string. An empty string means
// first page and decodes to nil.
func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	jobID, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid job id in cursor: %w", err)
	}
	if jobID <= 0 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	return &JobCursor{JobID: jobID}, nil
}

// EncodeJobCursor renders the cursor as an opaque string for clients.
func EncodeJobCursor(cursor *JobCursor) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(cursor.JobID, 10)))
}
