package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// JobFailed is the error an executor returns for an expected, reportable
// failure. Raw carries captured command output or similar detail for the
// job log; it is not shown to the job's owner.
type JobFailed struct {
	Reason string
	Raw    string
}

func (e *JobFailed) Error() string {
	if e.Reason == "" {
		return "job failed"
	}
	return e.Reason
}

// Fail builds a JobFailed error.
func Fail(reason, raw string) error {
	return &JobFailed{Reason: reason, Raw: raw}
}

// Directory is the slice of the store that executors mutate. Implemented
// by internal/store.
type Directory interface {
	CreateMember(ctx context.Context, username, preferredName, surname, email string) error
	UpdateMemberEmail(ctx context.Context, username, email string) error
	CreateSociety(ctx context.Context, name, description string, admins []string) error
	AddSocietyAdmin(ctx context.Context, society, username string) error
	RemoveSocietyAdmin(ctx context.Context, society, username string) error
}

// Deps carries what executors need at run time.
type Deps struct {
	Logger    *slog.Logger
	Directory Directory
}

// Executor runs jobs of one type. Run returns a human-readable completion
// message, or an error (JobFailed for expected failures). RequiresApproval
// decides whether submissions start unapproved instead of queued.
type Executor interface {
	Type() string
	Describe(j *Job) string
	RequiresApproval() bool
	Run(ctx context.Context, j *Job, deps *Deps) (string, error)
}

// Registry maps job type names to executors. Rows whose type has no
// executor are still representable; running them fails with JobFailed.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry returns a registry preloaded with the built-in job types.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(&TestJob{})
	r.Register(&SignupJob{})
	r.Register(&ChangeEmailJob{})
	r.Register(&CreateSocietyJob{})
	r.Register(&ChangeSocietyAdminJob{})
	return r
}

// Register adds an executor, replacing any previous one for the type.
func (r *Registry) Register(e Executor) {
	r.executors[e.Type()] = e
}

// Lookup returns the executor for a job type.
func (r *Registry) Lookup(jobType string) (Executor, bool) {
	e, ok := r.executors[jobType]
	return e, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run dispatches the job to its executor.
func (r *Registry) Run(ctx context.Context, j *Job, deps *Deps) (string, error) {
	e, ok := r.executors[j.Type]
	if !ok {
		return "", Fail(fmt.Sprintf("unknown job type %q", j.Type), "")
	}
	return e.Run(ctx, j, deps)
}
