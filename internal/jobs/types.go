package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// maxTestSleep caps the test job's sleep so a bogus argument cannot park
// a runner slot indefinitely.
const maxTestSleep = 40 * time.Second

// TestJob sleeps for args["sleep_time"] seconds. Used to exercise the
// queue end to end and to provoke concurrency issues on purpose.
type TestJob struct{}

func (*TestJob) Type() string { return "test" }

func (*TestJob) RequiresApproval() bool { return false }

func (*TestJob) Describe(j *Job) string {
	return fmt.Sprintf("Test: %s sleep %s", j.OwnerName(), j.Args["sleep_time"])
}

func (*TestJob) Run(ctx context.Context, j *Job, deps *Deps) (string, error) {
	secs, err := strconv.Atoi(j.Args["sleep_time"])
	if err != nil || secs < 0 {
		return "", Fail(fmt.Sprintf("invalid sleep_time %q", j.Args["sleep_time"]), "")
	}
	d := time.Duration(secs) * time.Second
	if d > maxTestSleep {
		d = maxTestSleep
	}
	select {
	case <-time.After(d):
		return fmt.Sprintf("Slept %s", d), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NewTestJob builds a test job for the given member.
func NewTestJob(owner string, sleepSeconds int) *Job {
	return NewJob("test", owner, Args{"sleep_time": strconv.Itoa(sleepSeconds)}, false)
}

// SignupJob creates a member account. It has no owner: the member row
// does not exist until the job runs.
type SignupJob struct{}

func (*SignupJob) Type() string { return "signup" }

func (*SignupJob) RequiresApproval() bool { return false }

func (*SignupJob) Describe(j *Job) string {
	return fmt.Sprintf("Signup: %s (%s %s, %s)",
		j.Args["username"], j.Args["preferred_name"], j.Args["surname"], j.Args["email"])
}

func (*SignupJob) Run(ctx context.Context, j *Job, deps *Deps) (string, error) {
	username := j.Args["username"]
	if username == "" {
		return "", Fail("signup job missing username", "")
	}
	deps.Logger.Info("Creating member",
		slog.String("username", username),
		slog.Int64("job_id", j.JobID),
	)
	err := deps.Directory.CreateMember(ctx, username,
		j.Args["preferred_name"], j.Args["surname"], j.Args["email"])
	if err != nil {
		return "", fmt.Errorf("failed to create member %s: %w", username, err)
	}
	return fmt.Sprintf("Created member %s", username), nil
}

// NewSignupJob builds a signup job. Signups never require approval.
func NewSignupJob(username, preferredName, surname, email string) *Job {
	return NewJob("signup", "", Args{
		"username":       username,
		"preferred_name": preferredName,
		"surname":        surname,
		"email":          email,
	}, false)
}

// ChangeEmailJob updates a member's registered contact address.
type ChangeEmailJob struct{}

func (*ChangeEmailJob) Type() string { return "change_member_email" }

func (*ChangeEmailJob) RequiresApproval() bool { return true }

func (*ChangeEmailJob) Describe(j *Job) string {
	return fmt.Sprintf("Change email: %s to %s", j.OwnerName(), j.Args["email"])
}

func (*ChangeEmailJob) Run(ctx context.Context, j *Job, deps *Deps) (string, error) {
	email := j.Args["email"]
	if !strings.Contains(email, "@") {
		return "", Fail(fmt.Sprintf("invalid email address %q", email), "")
	}
	if err := deps.Directory.UpdateMemberEmail(ctx, j.OwnerName(), email); err != nil {
		return "", fmt.Errorf("failed to update email: %w", err)
	}
	return fmt.Sprintf("Updated email to %s", email), nil
}

// NewChangeEmailJob builds an email-change job for the given member.
// Owner-initiated contact changes require operator approval.
func NewChangeEmailJob(owner, email string) *Job {
	return NewJob("change_member_email", owner, Args{"email": email}, true)
}

// CreateSocietyJob registers a new society with its initial admins.
type CreateSocietyJob struct{}

func (*CreateSocietyJob) Type() string { return "create_society" }

func (*CreateSocietyJob) RequiresApproval() bool { return true }

func (*CreateSocietyJob) Describe(j *Job) string {
	return fmt.Sprintf("Create society: %s (%s)", j.Args["society"], j.Args["description"])
}

func (*CreateSocietyJob) Run(ctx context.Context, j *Job, deps *Deps) (string, error) {
	name := j.Args["society"]
	if name == "" {
		return "", Fail("create_society job missing society name", "")
	}
	var admins []string
	if j.Args["admins"] != "" {
		admins = strings.Split(j.Args["admins"], ",")
	}
	err := deps.Directory.CreateSociety(ctx, name, j.Args["description"], admins)
	if err != nil {
		return "", fmt.Errorf("failed to create society %s: %w", name, err)
	}
	return fmt.Sprintf("Created society %s", name), nil
}

// NewCreateSocietyJob builds a society-creation job. Society creation
// requires operator approval.
func NewCreateSocietyJob(owner, society, description string, admins []string) *Job {
	return NewJob("create_society", owner, Args{
		"society":     society,
		"description": description,
		"admins":      strings.Join(admins, ","),
	}, true)
}

// ChangeSocietyAdminJob adds or removes a society admin, selected by
// args["action"] ("add" or "remove").
type ChangeSocietyAdminJob struct{}

func (*ChangeSocietyAdminJob) Type() string { return "change_society_admin" }

func (*ChangeSocietyAdminJob) RequiresApproval() bool { return false }

func (*ChangeSocietyAdminJob) Describe(j *Job) string {
	return fmt.Sprintf("Society admin %s: %s %s", j.Args["action"], j.Args["society"], j.Args["target"])
}

func (*ChangeSocietyAdminJob) Run(ctx context.Context, j *Job, deps *Deps) (string, error) {
	society, target := j.Args["society"], j.Args["target"]
	switch j.Args["action"] {
	case "add":
		if err := deps.Directory.AddSocietyAdmin(ctx, society, target); err != nil {
			return "", fmt.Errorf("failed to add admin: %w", err)
		}
		return fmt.Sprintf("Added %s as admin of %s", target, society), nil
	case "remove":
		if err := deps.Directory.RemoveSocietyAdmin(ctx, society, target); err != nil {
			return "", fmt.Errorf("failed to remove admin: %w", err)
		}
		return fmt.Sprintf("Removed %s as admin of %s", target, society), nil
	default:
		return "", Fail(fmt.Sprintf("unknown admin action %q", j.Args["action"]), "")
	}
}

// NewChangeSocietyAdminJob builds an admin add/remove job.
func NewChangeSocietyAdminJob(owner, society, target, action string) *Job {
	return NewJob("change_society_admin", owner, Args{
		"society": society,
		"target":  target,
		"action":  action,
	}, false)
}
