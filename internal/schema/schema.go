// Package schema owns the database DDL: tables, enum types, the audit
// timestamp triggers and the jobs_insert notification trigger, plus the
// role grants for the privilege boundary.
package schema

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ChannelJobs is the notification channel the jobs trigger publishes on.
// The payload is the job_id rendered as text.
const ChannelJobs = "jobs_insert"

// enumTypes must exist before the tables that use them. CREATE TYPE has
// no IF NOT EXISTS, hence the duplicate_object guard.
const enumTypes = `
DO $$ BEGIN
  CREATE TYPE job_state AS ENUM
    ('unapproved', 'queued', 'running', 'done', 'failed', 'withdrawn');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
  CREATE TYPE log_type AS ENUM
    ('created', 'started', 'progress', 'output', 'done', 'failed', 'note');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;

DO $$ BEGIN
  CREATE TYPE log_level AS ENUM
    ('debug', 'info', 'warning', 'error', 'critical');
EXCEPTION WHEN duplicate_object THEN NULL; END $$;
`

const tables = `
CREATE TABLE IF NOT EXISTS members (
  username       varchar(7) PRIMARY KEY CHECK (username = lower(username)),
  surname        varchar(100),
  preferred_name varchar(100),
  member         boolean NOT NULL,
  "user"         boolean NOT NULL,
  email          varchar(100) UNIQUE CHECK (email ~ '@'),
  joined         timestamptz,
  modified       timestamptz,
  danger         boolean NOT NULL DEFAULT false,
  notes          text NOT NULL DEFAULT '',
  CONSTRAINT members_must_have_details CHECK
    (NOT member OR (surname IS NOT NULL AND
                    preferred_name IS NOT NULL AND
                    email IS NOT NULL)),
  CONSTRAINT users_must_be_members CHECK (member OR NOT "user")
);

CREATE TABLE IF NOT EXISTS societies (
  society     varchar(16) PRIMARY KEY CHECK (society = lower(society)),
  description varchar(100) NOT NULL,
  role_email  varchar(100) CHECK (role_email ~ '@'),
  joined      timestamptz,
  modified    timestamptz,
  danger      boolean NOT NULL DEFAULT false,
  notes       text NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS society_admins (
  username varchar(7) REFERENCES members (username),
  society  varchar(16) REFERENCES societies (society),
  PRIMARY KEY (username, society)
);

-- No foreign key on username: this table exists to reference members
-- that do not exist yet.
CREATE TABLE IF NOT EXISTS pending_society_admins (
  username varchar(7) CHECK (username = lower(username)),
  society  varchar(16) REFERENCES societies (society),
  PRIMARY KEY (username, society)
);

CREATE TABLE IF NOT EXISTS domains (
  id        serial PRIMARY KEY,
  class     varchar(7) NOT NULL,
  owner     varchar(16) NOT NULL,
  domain    varchar(256) NOT NULL,
  root      varchar(256),
  wild      boolean NOT NULL DEFAULT false,
  danger    boolean NOT NULL DEFAULT false,
  last_good timestamptz,
  last_read timestamptz
);

CREATE TABLE IF NOT EXISTS https_certs (
  id     serial PRIMARY KEY,
  domain varchar(256) NOT NULL,
  name   varchar(32)
);

CREATE TABLE IF NOT EXISTS jobs (
  job_id        serial PRIMARY KEY,
  owner         varchar(7) REFERENCES members (username),
  state         job_state NOT NULL DEFAULT 'unapproved',
  state_message text,
  created_at    timestamptz,
  type          varchar(100) NOT NULL,
  args          jsonb NOT NULL DEFAULT '{}',
  environment   text
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs (owner, job_id DESC);

CREATE TABLE IF NOT EXISTS job_log (
  log_id  serial PRIMARY KEY,
  job_id  integer REFERENCES jobs (job_id),
  time    timestamptz,
  type    log_type,
  level   log_level,
  message text,
  raw     text
);

CREATE INDEX IF NOT EXISTS idx_job_log_job ON job_log (job_id, log_id);
`

// triggers holds the audit timestamp triggers and the job notification
// trigger.
//
// jobs_notify fires after every insert or update and inspects only the
// new row's state: a fresh queued insert and a later re-queue both
// notify, and an unrelated update to an already-queued row notifies
// again. That is intentional; listeners treat notifications as hints and
// must be idempotent. pg_notify delivers only after the surrounding
// transaction commits, so a rolled-back write is never observed.
const triggers = `
CREATE OR REPLACE FUNCTION set_joined() RETURNS trigger AS $$
BEGIN
  NEW.joined := now();
  RETURN NEW;
END $$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION set_modified() RETURNS trigger AS $$
BEGIN
  NEW.modified := now();
  RETURN NEW;
END $$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION set_created_at() RETURNS trigger AS $$
BEGIN
  NEW.created_at := now();
  RETURN NEW;
END $$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION jobs_notify() RETURNS trigger AS $$
BEGIN
  IF NEW.state = 'queued' THEN
    PERFORM pg_notify('jobs_insert', NEW.job_id::text);
  END IF;
  RETURN NULL;
END $$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS members_joined ON members;
CREATE TRIGGER members_joined
  BEFORE INSERT ON members
  FOR EACH ROW EXECUTE FUNCTION set_joined();

DROP TRIGGER IF EXISTS members_modified ON members;
CREATE TRIGGER members_modified
  BEFORE INSERT OR UPDATE ON members
  FOR EACH ROW EXECUTE FUNCTION set_modified();

DROP TRIGGER IF EXISTS societies_joined ON societies;
CREATE TRIGGER societies_joined
  BEFORE INSERT ON societies
  FOR EACH ROW EXECUTE FUNCTION set_joined();

DROP TRIGGER IF EXISTS societies_modified ON societies;
CREATE TRIGGER societies_modified
  BEFORE INSERT OR UPDATE ON societies
  FOR EACH ROW EXECUTE FUNCTION set_modified();

DROP TRIGGER IF EXISTS jobs_created_at ON jobs;
CREATE TRIGGER jobs_created_at
  BEFORE INSERT ON jobs
  FOR EACH ROW EXECUTE FUNCTION set_created_at();

DROP TRIGGER IF EXISTS jobs_notify ON jobs;
CREATE TRIGGER jobs_notify
  AFTER INSERT OR UPDATE ON jobs
  FOR EACH ROW EXECUTE FUNCTION jobs_notify();
`

// grants restricts which principals touch which tables. The webapp role
// is the admin API, jobrunner is the job runner, nobody is everyone
// else (read-only public member data). Enforcement is entirely the
// database's; application code never checks these.
const grants = `
DO $$ BEGIN CREATE ROLE webapp; EXCEPTION WHEN duplicate_object THEN NULL; END $$;
DO $$ BEGIN CREATE ROLE jobrunner; EXCEPTION WHEN duplicate_object THEN NULL; END $$;
DO $$ BEGIN CREATE ROLE nobody; EXCEPTION WHEN duplicate_object THEN NULL; END $$;

GRANT SELECT, INSERT, UPDATE ON members, societies, society_admins,
  pending_society_admins, domains, https_certs TO webapp;
GRANT SELECT, INSERT, UPDATE ON jobs TO webapp;
GRANT SELECT, INSERT ON job_log TO webapp;
GRANT USAGE ON ALL SEQUENCES IN SCHEMA public TO webapp;

GRANT SELECT, INSERT, UPDATE, DELETE ON members, societies, society_admins,
  pending_society_admins, domains, https_certs TO jobrunner;
GRANT SELECT, UPDATE ON jobs TO jobrunner;
GRANT SELECT, INSERT ON job_log TO jobrunner;
GRANT USAGE ON ALL SEQUENCES IN SCHEMA public TO jobrunner;

GRANT SELECT (username, surname, preferred_name, member, "user")
  ON members TO nobody;
GRANT SELECT (society, description) ON societies TO nobody;
GRANT SELECT ON society_admins TO nobody;
`

// Apply creates the schema: enum types, tables and triggers, in order.
// Every statement is idempotent, so Apply is safe to run at startup.
func Apply(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	steps := []struct {
		name string
		ddl  string
	}{
		{"enum types", enumTypes},
		{"tables", tables},
		{"triggers", triggers},
	}

	for _, step := range steps {
		if _, err := db.ExecContext(ctx, step.ddl); err != nil {
			return fmt.Errorf("failed to apply %s: %w", step.name, err)
		}
		logger.Debug("Schema step applied", slog.String("step", step.name))
	}

	logger.Info("Database schema applied")
	return nil
}

// ApplyGrants creates the database roles and their privileges. Separate
// from Apply because it needs a superuser connection and most
// deployments run it once, not at every startup.
func ApplyGrants(ctx context.Context, db *sqlx.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, grants); err != nil {
		return fmt.Errorf("failed to apply grants: %w", err)
	}
	logger.Info("Role grants applied")
	return nil
}
