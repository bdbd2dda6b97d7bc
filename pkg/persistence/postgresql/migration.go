package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Durable job queue
			CREATE TABLE jobs (
				id VARCHAR(255) PRIMARY KEY,
				seq BIGSERIAL NOT NULL,
				job_type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL CHECK (status IN ('PENDING', 'RUNNING', 'SUCCEEDED', 'FAILED', 'CANCELLED')),
				attempt INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL,
				scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT NOT NULL DEFAULT '',
				correlation_id VARCHAR(255) NOT NULL DEFAULT '',
				dedup_key VARCHAR(255) NOT NULL DEFAULT '',
				worker_id VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- Claim scans due PENDING jobs in (scheduled_for, seq) order
			CREATE INDEX idx_jobs_claim ON jobs(scheduled_for, seq) WHERE status = 'PENDING';
			CREATE INDEX idx_jobs_running ON jobs(started_at) WHERE status = 'RUNNING';
			CREATE INDEX idx_jobs_type ON jobs(job_type);
			CREATE INDEX idx_jobs_correlation_id ON jobs(correlation_id);

			CREATE TABLE dead_letters (
				id VARCHAR(255) PRIMARY KEY,
				seq BIGSERIAL NOT NULL,
				job_id VARCHAR(255) NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
				job_type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				final_error TEXT NOT NULL,
				failed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				attempts_made INT NOT NULL,
				correlation_id VARCHAR(255) NOT NULL DEFAULT '',
				replayed_at TIMESTAMP WITH TIME ZONE,
				replay_job_id VARCHAR(255) NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_dead_letters_failed_at ON dead_letters(failed_at);
		`,
		2: `
			-- Rule definitions and their firing bookkeeping
			CREATE TABLE rules (
				id VARCHAR(255) PRIMARY KEY,
				priority INT NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT true,
				definition JSONB NOT NULL,
				trigger_count BIGINT NOT NULL DEFAULT 0,
				last_triggered_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_rules_active ON rules(active);

			-- Append-only rule execution history
			CREATE TABLE rule_executions (
				id VARCHAR(255) PRIMARY KEY,
				seq BIGSERIAL NOT NULL,
				rule_id VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				record JSONB NOT NULL
			);

			CREATE INDEX idx_rule_executions_rule_started ON rule_executions(rule_id, started_at);
		`,
	}
}
