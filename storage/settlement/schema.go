package settlement

// Timestamps are unix milliseconds so both dialects compare them the same way.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS settlement_tasks (
  task_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT '',
  reward_sats BIGINT NOT NULL,
  currency TEXT NOT NULL DEFAULT 'BTC',
  deadline_ms BIGINT NOT NULL,
  status TEXT NOT NULL,
  creator_id TEXT NOT NULL,
  creator_wallet TEXT NOT NULL,
  escrow_lock_tx TEXT NOT NULL DEFAULT '',
  escrow_release_tx TEXT NOT NULL DEFAULT '',
  winner_submission_id TEXT NOT NULL DEFAULT '',
  payout_wallet TEXT NOT NULL DEFAULT '',
  resolution TEXT NOT NULL DEFAULT '',
  attempts INTEGER NOT NULL DEFAULT 0,
  next_attempt_ms BIGINT,
  stalled BOOLEAN NOT NULL DEFAULT FALSE,
  last_error TEXT NOT NULL DEFAULT '',
  claimed_ms BIGINT,
  judged_ms BIGINT,
  completed_ms BIGINT,
  created_ms BIGINT NOT NULL,
  updated_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_tasks_status_deadline ON settlement_tasks(status, deadline_ms)`,
	`CREATE TABLE IF NOT EXISTS settlement_submissions (
  submission_id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES settlement_tasks(task_id),
  submitter_id TEXT NOT NULL,
  submitter_wallet TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  score DOUBLE PRECISION,
  winner BOOLEAN NOT NULL DEFAULT FALSE,
  rationale TEXT NOT NULL DEFAULT '',
  created_ms BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_settlement_submissions_submitter ON settlement_submissions(task_id, submitter_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_settlement_submissions_winner ON settlement_submissions(task_id) WHERE winner = TRUE`,
	`CREATE TABLE IF NOT EXISTS settlement_escrow_transactions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES settlement_tasks(task_id),
  direction TEXT NOT NULL,
  amount_sats BIGINT NOT NULL,
  currency TEXT NOT NULL DEFAULT 'BTC',
  from_wallet TEXT NOT NULL DEFAULT '',
  to_wallet TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  signature TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_ms BIGINT NOT NULL,
  updated_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_escrow_task ON settlement_escrow_transactions(task_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_settlement_escrow_confirmed_release ON settlement_escrow_transactions(task_id) WHERE direction = 'RELEASE' AND status = 'CONFIRMED'`,
}
