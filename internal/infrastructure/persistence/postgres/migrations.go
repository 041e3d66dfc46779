package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: POINT LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create point ledger
-- Version: 001

-- Append-only ledger. event_id is the idempotency key.
CREATE TABLE IF NOT EXISTS point_events (
    event_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    event_type VARCHAR(40) NOT NULL,
    pc_delta BIGINT NOT NULL DEFAULT 0,
    pcon_delta BIGINT NOT NULL DEFAULT 0,
    source_entity_id TEXT NOT NULL DEFAULT '',
    actor_id TEXT NOT NULL DEFAULT '',
    reason TEXT NOT NULL DEFAULT '',
    -- set only for daily_login when the once-per-day guard is on
    login_day DATE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_event_type CHECK (event_type IN (
        'question_created', 'answer_validated', 'answer_accepted',
        'upvote_received', 'downvote_received', 'daily_login',
        'profile_completed', 'admin_adjustment'
    )),
    CONSTRAINT valid_seq CHECK (seq > 0),
    CONSTRAINT unique_user_seq UNIQUE (user_id, seq)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_point_events_daily_login
    ON point_events(user_id, login_day) WHERE login_day IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_point_events_created_at ON point_events(created_at DESC);

-- Per-user counters folded in the same transaction as each append.
-- The row lock on this table serializes appends per user.
CREATE TABLE IF NOT EXISTS user_counters (
    user_id TEXT PRIMARY KEY,
    last_seq BIGINT NOT NULL DEFAULT 0,
    by_type JSONB NOT NULL DEFAULT '{}'::jsonb,
    login_streak INTEGER NOT NULL DEFAULT 0,
    best_login_streak INTEGER NOT NULL DEFAULT 0,
    last_login_day DATE,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

const migration001Down = `
DROP TABLE IF EXISTS user_counters;
DROP TABLE IF EXISTS point_events;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: USER AGGREGATES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
-- Migration: Create user aggregates
-- Version: 002

CREATE TABLE IF NOT EXISTS user_aggregates (
    user_id TEXT PRIMARY KEY,
    pc_points BIGINT NOT NULL DEFAULT 0,
    pcon_points BIGINT NOT NULL DEFAULT 0,
    rank VARCHAR(40) NOT NULL,
    achievements TEXT[] NOT NULL DEFAULT '{}',
    version BIGINT NOT NULL,
    applied_seq BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_pc CHECK (pc_points >= 0),
    CONSTRAINT valid_pcon CHECK (pcon_points >= 0),
    CONSTRAINT valid_version CHECK (version > 0)
);

-- Leaderboard rebuilds and fallback reads
CREATE INDEX IF NOT EXISTS idx_user_aggregates_board
    ON user_aggregates(pc_points DESC, pcon_points DESC, user_id ASC);
`

const migration002Down = `
DROP TABLE IF EXISTS user_aggregates;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: ACHIEVEMENT UNLOCKS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
-- Migration: Create achievement unlocks
-- Version: 003

CREATE TABLE IF NOT EXISTS achievement_unlocks (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    achievement_id VARCHAR(64) NOT NULL,
    unlocked_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    -- at most one unlock per (user, achievement)
    CONSTRAINT unique_user_achievement UNIQUE (user_id, achievement_id)
);

CREATE INDEX IF NOT EXISTS idx_achievement_unlocks_user ON achievement_unlocks(user_id, unlocked_at);
`

const migration003Down = `
DROP TABLE IF EXISTS achievement_unlocks;
`
