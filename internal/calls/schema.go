package calls

// Schema creates the session tables.
// The partial unique index enforces one non-terminal session per verification.
const Schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
  id                        TEXT PRIMARY KEY,
  customer_verification_id  TEXT NOT NULL,
  store_id                  TEXT NOT NULL,
  phone_number              TEXT NOT NULL,
  status                    TEXT NOT NULL,
  provider_id               TEXT NOT NULL DEFAULT '',
  provider_call_id          TEXT NOT NULL DEFAULT '',
  retry_count               INT  NOT NULL DEFAULT 0 CHECK (retry_count BETWEEN 0 AND 3),
  expected_questions        INT  NOT NULL DEFAULT 0,
  priority                  TEXT NOT NULL DEFAULT 'normal',
  actual_duration_seconds   INT,
  actual_cost_minor         BIGINT,
  questions_answered        INT,
  transcript_ref            TEXT NOT NULL DEFAULT '',
  failure_reason            TEXT NOT NULL DEFAULT '',
  initiated_at              TIMESTAMPTZ NOT NULL,
  connected_at              TIMESTAMPTZ,
  ended_at                  TIMESTAMPTZ,
  completion_confirmed_at   TIMESTAMPTZ,
  created_at                TIMESTAMPTZ NOT NULL,
  updated_at                TIMESTAMPTZ NOT NULL
);

ALTER TABLE call_sessions ADD COLUMN IF NOT EXISTS questions_answered INT;

CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_one_active
  ON call_sessions (customer_verification_id)
  WHERE status IN ('pending','connecting','in_progress');

CREATE INDEX IF NOT EXISTS call_sessions_provider_call
  ON call_sessions (provider_id, provider_call_id);

CREATE INDEX IF NOT EXISTS call_sessions_store_created
  ON call_sessions (store_id, created_at);

CREATE INDEX IF NOT EXISTS call_sessions_ended_at
  ON call_sessions (ended_at) WHERE ended_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS call_responses (
  session_id     TEXT NOT NULL REFERENCES call_sessions(id),
  question_id    TEXT NOT NULL,
  response_text  TEXT NOT NULL,
  confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
  sentiment      TEXT NOT NULL DEFAULT '',
  asked_at       TIMESTAMPTZ NOT NULL,
  responded_at   TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS call_confirmations (
  session_id           TEXT PRIMARY KEY REFERENCES call_sessions(id),
  customer_confirmed   BOOLEAN NOT NULL,
  satisfaction_rating  INT CHECK (satisfaction_rating BETWEEN 1 AND 5),
  quality_rating       INT CHECK (quality_rating BETWEEN 1 AND 10),
  feedback_text        TEXT NOT NULL DEFAULT '',
  reward_info          JSONB NOT NULL DEFAULT '{}'::jsonb,
  confirmed_at         TIMESTAMPTZ NOT NULL
);
`
