package jobs

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id does not exist in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotQueued is returned when claiming a job that is no longer in
	// the queued state (another runner got there first, or it was cancelled).
	ErrJobNotQueued = errors.New("job is not queued")
)

// Args holds a job's named arguments. The notification mechanism never
// looks inside; only the job type's executor interprets them. Stored as
// jsonb.
type Args map[string]string

// Value implements driver.Valuer.
func (a Args) Value() (driver.Value, error) {
	if a == nil {
		a = Args{}
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner.
func (a *Args) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = Args{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into job args", src)
	}
}

// Job is one unit of asynchronous administrative work. JobID is assigned
// by the database sequence on insert and never changes afterwards. State
// is the only column the notification trigger inspects.
type Job struct {
	JobID        int64          `db:"job_id"`
	Owner        sql.NullString `db:"owner"`
	State        State          `db:"state"`
	StateMessage sql.NullString `db:"state_message"`
	CreatedAt    time.Time      `db:"created_at"`
	Type         string         `db:"type"`
	Args         Args           `db:"args"`
	Environment  sql.NullString `db:"environment"`
}

// NewJob builds an unsaved job row. Jobs requiring operator approval
// start unapproved; everything else goes straight to queued, so the
// insert itself fires the jobs_insert notification.
func NewJob(jobType, owner string, args Args, requireApproval bool) *Job {
	state := StateQueued
	if requireApproval {
		state = StateUnapproved
	}
	j := &Job{
		State: state,
		Type:  jobType,
		Args:  args,
	}
	if owner != "" {
		j.Owner = sql.NullString{String: owner, Valid: true}
	}
	return j
}

// Message returns the state message, or "" when unset.
func (j *Job) Message() string {
	if j.StateMessage.Valid {
		return j.StateMessage.String
	}
	return ""
}

// SetMessage sets the state message, clearing it for "".
func (j *Job) SetMessage(msg string) {
	j.StateMessage = sql.NullString{String: msg, Valid: msg != ""}
}

// OwnerName returns the owning member's username, or "" for jobs without
// an owner (e.g. signup, which creates the member).
func (j *Job) OwnerName() string {
	if j.Owner.Valid {
		return j.Owner.String
	}
	return ""
}

func (j *Job) String() string {
	return fmt.Sprintf("job #%d %s (%s)", j.JobID, j.Type, j.State)
}
