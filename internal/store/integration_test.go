package store_test

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memberhost/memberq/internal/jobs"
	"github.com/memberhost/memberq/internal/notify"
	"github.com/memberhost/memberq/internal/schema"
	"github.com/memberhost/memberq/internal/store"
	"github.com/memberhost/memberq/shared/postgresql"
)

var (
	testClient *postgresql.Client
	testStore  *store.Store
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("could not construct docker pool: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		log.Fatalf("could not connect to docker: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=memberq",
			"POSTGRES_PASSWORD=memberq",
			"POSTGRES_DB=memberq_test",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %v", err)
	}
	resource.Expire(300)

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	if err != nil {
		log.Fatalf("could not parse mapped port: %v", err)
	}

	cfg := &postgresql.Config{
		Host:         "localhost",
		Port:         port,
		User:         "memberq",
		Password:     "memberq",
		Database:     "memberq_test",
		SSLMode:      "disable",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		testClient, err = postgresql.NewClient(cfg, testLogger)
		return err
	})
	if err != nil {
		log.Fatalf("could not connect to postgres: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = schema.Apply(ctx, testClient.GetDB(), testLogger)
	cancel()
	if err != nil {
		log.Fatalf("could not apply schema: %v", err)
	}

	testStore = store.NewStore(testClient, testLogger)

	code := m.Run()

	testClient.Close()
	if err := pool.Purge(resource); err != nil {
		log.Printf("could not purge postgres container: %v", err)
	}

	os.Exit(code)
}

// openJobListener subscribes a fresh dedicated connection to the
// jobs_insert channel. Only commits after Listen returns are visible.
func openJobListener(t *testing.T) *pq.Listener {
	t.Helper()

	l := testClient.NewListener(50*time.Millisecond, time.Second)
	require.NoError(t, l.Listen(schema.ChannelJobs))
	t.Cleanup(func() { l.Close() })
	return l
}

func expectNotification(t *testing.T, l *pq.Listener) string {
	t.Helper()

	select {
	case n := <-l.Notify:
		require.NotNil(t, n)
		assert.Equal(t, schema.ChannelJobs, n.Channel)
		return n.Extra
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func expectNoNotification(t *testing.T, l *pq.Listener) {
	t.Helper()

	select {
	case n := <-l.Notify:
		if n != nil {
			t.Fatalf("unexpected notification with payload %q", n.Extra)
		}
	case <-time.After(500 * time.Millisecond):
	}
}

func mustCreateJob(t *testing.T, j *jobs.Job) *jobs.Job {
	t.Helper()
	require.NoError(t, testStore.CreateJob(context.Background(), j))
	require.NotZero(t, j.JobID)
	return j
}

func TestCreateJob_QueuedInsertNotifiesOnce(t *testing.T) {
	l := openJobListener(t)

	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	payload := expectNotification(t, l)
	assert.Equal(t, strconv.FormatInt(j.JobID, 10), payload)

	expectNoNotification(t, l)
}

func TestCreateJob_UnapprovedInsertDoesNotNotify(t *testing.T) {
	l := openJobListener(t)

	mustCreateJob(t, jobs.NewCreateSocietyJob("", "chess", "Chess Society", nil))

	expectNoNotification(t, l)
}

func TestUpdateJobState_RequeueNotifiesAgain(t *testing.T) {
	ctx := context.Background()
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	// Walk the job into failed with no listener attached.
	_, err := testStore.ClaimJob(ctx, j.JobID, "Running (host: test)")
	require.NoError(t, err)
	require.NoError(t, testStore.SetJobState(ctx, j.JobID, jobs.StateFailed, "boom"))

	l := openJobListener(t)

	err = testStore.UpdateJobState(ctx, j.JobID, jobs.StateFailed, jobs.StateQueued, "Job retried by sysadmins")
	require.NoError(t, err)

	payload := expectNotification(t, l)
	assert.Equal(t, strconv.FormatInt(j.JobID, 10), payload)
}

func TestUpdateJob_NonQueuedUpdateDoesNotNotify(t *testing.T) {
	ctx := context.Background()
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	_, err := testStore.ClaimJob(ctx, j.JobID, "Running (host: test)")
	require.NoError(t, err)
	require.NoError(t, testStore.SetJobState(ctx, j.JobID, jobs.StateDone, "Slept 1s"))

	l := openJobListener(t)

	// Touching a non-state column of a settled row stays silent.
	_, err = testStore.DB().ExecContext(ctx,
		`UPDATE jobs SET environment = 'production' WHERE job_id = $1`, j.JobID)
	require.NoError(t, err)

	expectNoNotification(t, l)
}

func TestUpdateJob_TouchingQueuedRowNotifiesAgain(t *testing.T) {
	ctx := context.Background()
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	l := openJobListener(t)

	// The trigger looks only at the new row's state, so even an update
	// that leaves a queued row queued re-announces it. Consumers claim
	// before running, which absorbs the duplicate.
	_, err := testStore.DB().ExecContext(ctx,
		`UPDATE jobs SET state_message = 'still waiting' WHERE job_id = $1`, j.JobID)
	require.NoError(t, err)

	payload := expectNotification(t, l)
	assert.Equal(t, strconv.FormatInt(j.JobID, 10), payload)
}

func TestCreateJobTx_RollbackDeliversNothing(t *testing.T) {
	ctx := context.Background()
	l := openJobListener(t)

	tx, err := testStore.DB().BeginTxx(ctx, nil)
	require.NoError(t, err)

	j := jobs.NewTestJob("", 1)
	require.NoError(t, testStore.CreateJobTx(ctx, tx, j))
	require.NotZero(t, j.JobID)

	require.NoError(t, tx.Rollback())

	expectNoNotification(t, l)

	_, err = testStore.GetJob(ctx, j.JobID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestCreateJob_NoListenerWriteSucceeds(t *testing.T) {
	ctx := context.Background()

	// No subscriber anywhere; the insert must not block or fail.
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	got, err := testStore.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateQueued, got.State)

	// A subscriber arriving after the commit sees nothing: there is no
	// replay of past notifications.
	l := openJobListener(t)
	expectNoNotification(t, l)
}

func TestAuditTimestamps(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.CreateMember(ctx, "audit1", "Quintus", "Fabius", "audit1@example.net"))

	m, err := testStore.GetMember(ctx, "audit1")
	require.NoError(t, err)
	require.True(t, m.Joined.Valid, "joined must be stamped on insert")
	require.True(t, m.Modified.Valid, "modified must be stamped on insert")

	joined := m.Joined.Time
	modified := m.Modified.Time

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, testStore.UpdateMemberEmail(ctx, "audit1", "audit1b@example.net"))

	m, err = testStore.GetMember(ctx, "audit1")
	require.NoError(t, err)
	assert.True(t, m.Joined.Time.Equal(joined), "joined must not change on update")
	assert.True(t, m.Modified.Time.After(modified), "modified must advance on update")
}

func TestCreateJob_StampsCreatedAt(t *testing.T) {
	j := jobs.NewTestJob("", 1)
	require.True(t, j.CreatedAt.IsZero())

	mustCreateJob(t, j)
	assert.False(t, j.CreatedAt.IsZero(), "created_at is assigned by the trigger")
}

func TestClaimJob_SecondClaimLoses(t *testing.T) {
	ctx := context.Background()
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	claimed, err := testStore.ClaimJob(ctx, j.JobID, "Running (host: a)")
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, claimed.State)
	assert.Equal(t, "Running (host: a)", claimed.Message())

	_, err = testStore.ClaimJob(ctx, j.JobID, "Running (host: b)")
	assert.ErrorIs(t, err, jobs.ErrJobNotQueued)
}

func TestUpdateJobState_GuardedByCurrentState(t *testing.T) {
	ctx := context.Background()
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	err := testStore.UpdateJobState(ctx, j.JobID, jobs.StateQueued, jobs.StateFailed, "Job cancelled by sysadmins")
	require.NoError(t, err)

	// The job is no longer queued, so a second cancel must not apply.
	err = testStore.UpdateJobState(ctx, j.JobID, jobs.StateQueued, jobs.StateFailed, "again")
	assert.ErrorIs(t, err, jobs.ErrInvalidAction)

	got, err := testStore.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Job cancelled by sysadmins", got.Message())
}

func TestQueuedJobIDs(t *testing.T) {
	ctx := context.Background()

	first := mustCreateJob(t, jobs.NewTestJob("", 1))
	second := mustCreateJob(t, jobs.NewTestJob("", 2))

	ids, err := testStore.QueuedJobIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, first.JobID)
	assert.Contains(t, ids, second.JobID)

	// Oldest first, so a catch-up scan runs jobs in submission order.
	var prev int64
	for _, id := range ids {
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestListJobs_FilterAndPagination(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.CreateMember(ctx, "lister1", "Quintus", "Fabius", "lister1@example.net"))

	var created []int64
	for i := 0; i < 5; i++ {
		j := mustCreateJob(t, jobs.NewTestJob("lister1", i))
		created = append(created, j.JobID)
	}

	filter := store.JobFilter{Owner: "lister1", PageSize: 2}
	page, err := testStore.ListJobs(ctx, filter)
	require.NoError(t, err)
	require.Len(t, page, 3, "fetches one row beyond the page size")

	// Newest first.
	assert.Equal(t, created[4], page[0].JobID)
	assert.Equal(t, created[3], page[1].JobID)

	filter.AfterID = page[1].JobID
	page, err = testStore.ListJobs(ctx, filter)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(page), 2)
	assert.Equal(t, created[2], page[0].JobID)

	page, err = testStore.ListJobs(ctx, store.JobFilter{
		Owner:    "lister1",
		State:    jobs.StateDone,
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestJobLog(t *testing.T) {
	ctx := context.Background()
	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	require.NoError(t, testStore.AppendJobLog(ctx, j.JobID, store.LogStarted, store.LevelInfo, "Job started", ""))
	require.NoError(t, testStore.AppendJobLog(ctx, j.JobID, store.LogFailed, store.LevelWarning, "boom", "stack trace here"))

	entries, err := testStore.ListJobLog(ctx, j.JobID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, store.LogStarted, entries[0].Type.String)
	assert.Equal(t, store.LogFailed, entries[1].Type.String)
	assert.Equal(t, "stack trace here", entries[1].Raw.String)
	assert.True(t, entries[0].Time.Valid)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testStore.CreateMember(ctx, "dir1", "Quintus", "Fabius", "dir1@example.net"))

	m, err := testStore.GetUser(ctx, "dir1")
	require.NoError(t, err)
	assert.Equal(t, "Quintus Fabius", m.Name())

	_, err = testStore.GetMember(ctx, "nobody9")
	assert.ErrorIs(t, err, store.ErrMemberNotFound)

	// dir2 has no members row yet, so their adminship is parked as
	// pending until signup promotes it.
	require.NoError(t, testStore.CreateSociety(ctx, "robotics", "Robotics Society", []string{"dir1", "dir2"}))

	soc, err := testStore.GetSociety(ctx, "robotics")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir1"}, soc.Admins)

	ok, err := testStore.IsSocietyAdmin(ctx, "robotics", "dir2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, testStore.CreateMember(ctx, "dir2", "Gaius", "Marius", "dir2@example.net"))
	promoted, err := testStore.PromotePendingAdmins(ctx, "dir2")
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	soc, err = testStore.GetSociety(ctx, "robotics")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir1", "dir2"}, soc.Admins)

	members, err := testStore.ListMembers(ctx, true)
	require.NoError(t, err)
	usernames := make([]string, len(members))
	for i, m := range members {
		usernames[i] = m.Username
	}
	assert.Contains(t, usernames, "dir1")
	assert.Contains(t, usernames, "dir2")

	societies, err := testStore.ListSocieties(ctx)
	require.NoError(t, err)
	names := make([]string, len(societies))
	for i, s := range societies {
		names[i] = s.Society
	}
	assert.Contains(t, names, "robotics")
}

func TestListener_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := notify.NewListener(
		testClient.NewListener(50*time.Millisecond, time.Second),
		testLogger,
	)
	require.NoError(t, listener.Start(ctx))
	defer listener.Close()

	j := mustCreateJob(t, jobs.NewTestJob("", 1))

	select {
	case ev := <-listener.Events():
		assert.False(t, ev.Resync)
		assert.Equal(t, j.JobID, ev.JobID)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event for job %d", j.JobID)
	}
}
