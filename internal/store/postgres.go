package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/fingerprint"
	"github.com/synapse-hq/synapse/pkg/models"
)

// PostgresStore implements Store using PostgreSQL. Concurrency checks
// that the memory store does under its mutex happen here inside
// transactions with row locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the schema if it
// doesn't exist.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS syn_workspaces (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			owner       TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS syn_entries (
			workspace   TEXT NOT NULL,
			namespace   TEXT NOT NULL,
			id          TEXT NOT NULL,
			from_agent  TEXT NOT NULL,
			content     TEXT NOT NULL,
			tags        JSONB NOT NULL DEFAULT '[]',
			priority    TEXT NOT NULL,
			expires_at  TIMESTAMPTZ,
			fingerprint TEXT NOT NULL,
			frozen      BOOLEAN NOT NULL DEFAULT FALSE,
			seq         BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace, namespace, id)
		);

		CREATE INDEX IF NOT EXISTS idx_syn_entries_scan
			ON syn_entries (workspace, namespace, updated_at);

		CREATE TABLE IF NOT EXISTS syn_counters (
			workspace TEXT NOT NULL,
			scope     TEXT NOT NULL,
			value     BIGINT NOT NULL,
			PRIMARY KEY (workspace, scope)
		);

		CREATE TABLE IF NOT EXISTS syn_agents (
			workspace      TEXT NOT NULL,
			id             TEXT NOT NULL,
			role           TEXT NOT NULL,
			capabilities   JSONB NOT NULL DEFAULT '[]',
			last_heartbeat TIMESTAMPTZ NOT NULL,
			registered_at  TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace, id)
		);

		CREATE TABLE IF NOT EXISTS syn_grants (
			workspace    TEXT NOT NULL,
			namespace    TEXT NOT NULL,
			subject      TEXT NOT NULL,
			subject_kind TEXT NOT NULL,
			level        TEXT NOT NULL,
			granted_by   TEXT NOT NULL DEFAULT '',
			granted_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace, namespace, subject)
		);

		CREATE TABLE IF NOT EXISTS syn_audit (
			id        TEXT PRIMARY KEY,
			workspace TEXT NOT NULL,
			actor     TEXT NOT NULL,
			action    TEXT NOT NULL,
			target    TEXT NOT NULL DEFAULT '',
			namespace TEXT NOT NULL DEFAULT '',
			result    TEXT NOT NULL,
			detail    TEXT NOT NULL DEFAULT '',
			tags      JSONB NOT NULL DEFAULT '[]',
			priority  TEXT NOT NULL DEFAULT '',
			seq       BIGINT NOT NULL,
			ts        TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_syn_audit_scan
			ON syn_audit (workspace, seq);

		CREATE TABLE IF NOT EXISTS syn_webhooks (
			workspace     TEXT NOT NULL,
			id            TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			url           TEXT NOT NULL,
			secret        TEXT NOT NULL DEFAULT '',
			policy        JSONB NOT NULL DEFAULT '{}',
			status        TEXT NOT NULL,
			failure_count INT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace, id)
		);

		CREATE TABLE IF NOT EXISTS syn_deliveries (
			id        TEXT PRIMARY KEY,
			workspace TEXT NOT NULL,
			webhook   TEXT NOT NULL,
			event_id  TEXT NOT NULL,
			status    TEXT NOT NULL,
			attempts  INT NOT NULL,
			error     TEXT NOT NULL DEFAULT '',
			ts        TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_syn_deliveries_scan
			ON syn_deliveries (workspace, webhook, ts);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// nextSeq bumps the counter for (workspace, scope) inside tx.
func nextSeq(ctx context.Context, tx pgx.Tx, workspace, scope string) (uint64, error) {
	var v int64
	err := tx.QueryRow(ctx, `
		INSERT INTO syn_counters (workspace, scope, value) VALUES ($1, $2, 1)
		ON CONFLICT (workspace, scope) DO UPDATE SET value = syn_counters.value + 1
		RETURNING value`,
		workspace, scope).Scan(&v)
	return uint64(v), err
}

// nextWriteStamp returns a strictly increasing UpdatedAt for the
// namespace. Timestamp ties would make the since cursor skip entries
// at a page boundary, so a write landing on or before the namespace's
// current high-water mark is nudged a microsecond past it (the
// timestamptz resolution). Callers hold the namespace's counter row
// lock via nextSeq, which serializes writers.
func nextWriteStamp(ctx context.Context, tx pgx.Tx, workspace, namespace string, now time.Time) (time.Time, error) {
	var high *time.Time
	err := tx.QueryRow(ctx, `
		SELECT MAX(updated_at) FROM syn_entries
		WHERE workspace = $1 AND namespace = $2`,
		workspace, namespace).Scan(&high)
	if err != nil {
		return time.Time{}, err
	}
	if high != nil && !now.After(*high) {
		now = high.Add(time.Microsecond)
	}
	return now, nil
}

// priorityRank is the SQL mirror of Priority.Rank for ORDER BY.
const priorityRank = `CASE priority
	WHEN 'critical' THEN 4 WHEN 'high' THEN 3
	WHEN 'normal' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

// ── Entries ─────────────────────────────────────────────────

func (s *PostgresStore) PutEntry(ctx context.Context, entry *models.Entry, expectedFingerprint string) (*models.Entry, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		prev      models.Entry
		prevFound bool
	)
	err = tx.QueryRow(ctx, `
		SELECT fingerprint, frozen, expires_at, created_at
		FROM syn_entries
		WHERE workspace = $1 AND namespace = $2 AND id = $3
		FOR UPDATE`,
		entry.Workspace, entry.Namespace, entry.ID).
		Scan(&prev.Fingerprint, &prev.Frozen, &prev.ExpiresAt, &prev.CreatedAt)
	switch {
	case err == nil:
		prevFound = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}

	live := prevFound && !prev.Expired(now)
	if live {
		if prev.Frozen {
			return nil, &models.FrozenEntryError{Namespace: entry.Namespace, ID: entry.ID}
		}
		if expectedFingerprint != "" && expectedFingerprint != prev.Fingerprint {
			return nil, &models.FingerprintConflictError{
				Namespace: entry.Namespace,
				ID:        entry.ID,
				Expected:  expectedFingerprint,
				Current:   prev.Fingerprint,
			}
		}
	} else if expectedFingerprint != "" {
		return nil, &models.FingerprintConflictError{
			Namespace: entry.Namespace,
			ID:        entry.ID,
			Expected:  expectedFingerprint,
		}
	}

	stored := *entry
	stored.Frozen = false
	if live {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	switch {
	case stored.TTL > 0:
		exp := now.Add(stored.TTL)
		stored.ExpiresAt = &exp
	case live:
		stored.ExpiresAt = prev.ExpiresAt
	default:
		stored.ExpiresAt = nil
	}

	seq, err := nextSeq(ctx, tx, stored.Workspace, "entries:"+stored.Namespace)
	if err != nil {
		return nil, err
	}
	stored.Seq = seq
	stored.UpdatedAt, err = nextWriteStamp(ctx, tx, stored.Workspace, stored.Namespace, now)
	if err != nil {
		return nil, err
	}
	stored.Fingerprint = fingerprint.Compute(&stored)

	tags := stored.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO syn_entries
			(workspace, namespace, id, from_agent, content, tags, priority,
			 expires_at, fingerprint, frozen, seq, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (workspace, namespace, id) DO UPDATE SET
			from_agent = EXCLUDED.from_agent,
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			priority = EXCLUDED.priority,
			expires_at = EXCLUDED.expires_at,
			fingerprint = EXCLUDED.fingerprint,
			frozen = EXCLUDED.frozen,
			seq = EXCLUDED.seq,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		stored.Workspace, stored.Namespace, stored.ID, stored.From, stored.Content,
		tags, string(stored.Priority), stored.ExpiresAt, stored.Fingerprint,
		stored.Frozen, int64(stored.Seq), stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &stored, nil
}

const entryColumns = `workspace, namespace, id, from_agent, content, tags,
	priority, expires_at, fingerprint, frozen, seq, created_at, updated_at`

func scanEntry(row pgx.Row) (*models.Entry, error) {
	var (
		e        models.Entry
		priority string
		seq      int64
	)
	err := row.Scan(&e.Workspace, &e.Namespace, &e.ID, &e.From, &e.Content,
		&e.Tags, &priority, &e.ExpiresAt, &e.Fingerprint, &e.Frozen, &seq,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Priority = models.Priority(priority)
	e.Seq = uint64(seq)
	return &e, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, workspace, namespace, id string) (*models.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM syn_entries WHERE workspace = $1 AND namespace = $2 AND id = $3`,
		workspace, namespace, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "entry", Key: namespace + "/" + id}
	}
	return e, err
}

func (s *PostgresStore) ListEntries(ctx context.Context, workspace, namespace string, filter models.EntryFilter) ([]models.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM syn_entries
		WHERE workspace = $1 AND namespace = $2
		AND (expires_at IS NULL OR expires_at > NOW())`
	args := []interface{}{workspace, namespace}
	argIdx := 3

	if filter.Tag != "" {
		query += fmt.Sprintf(" AND tags ? $%d::text", argIdx)
		args = append(args, filter.Tag)
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND updated_at > $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
		query += " ORDER BY updated_at ASC, " + priorityRank + " DESC, seq ASC"
	} else {
		query += " ORDER BY updated_at DESC, " + priorityRank + " DESC, seq DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FreezeEntry(ctx context.Context, workspace, namespace, id, expectedFingerprint string) (*models.Entry, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM syn_entries WHERE workspace = $1 AND namespace = $2 AND id = $3
		FOR UPDATE`, workspace, namespace, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "entry", Key: namespace + "/" + id}
	}
	if err != nil {
		return nil, err
	}
	if e.Expired(now) {
		return nil, &models.NotFoundError{Entity: "entry", Key: namespace + "/" + id}
	}
	if e.Frozen {
		return nil, &models.FrozenEntryError{Namespace: namespace, ID: id}
	}
	if expectedFingerprint != e.Fingerprint {
		return nil, &models.FingerprintConflictError{
			Namespace: namespace, ID: id,
			Expected: expectedFingerprint, Current: e.Fingerprint,
		}
	}

	seq, err := nextSeq(ctx, tx, workspace, "entries:"+namespace)
	if err != nil {
		return nil, err
	}
	e.Seq = seq
	e.Frozen = true
	e.UpdatedAt, err = nextWriteStamp(ctx, tx, workspace, namespace, now)
	if err != nil {
		return nil, err
	}
	e.Fingerprint = fingerprint.Compute(e)

	_, err = tx.Exec(ctx, `UPDATE syn_entries
		SET frozen = TRUE, fingerprint = $4, updated_at = $5, seq = $6
		WHERE workspace = $1 AND namespace = $2 AND id = $3`,
		workspace, namespace, id, e.Fingerprint, e.UpdatedAt, int64(e.Seq))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) ReapExpired(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM syn_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountEntries(ctx context.Context, workspace string) (int, int, error) {
	var entries, namespaces int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT namespace)
		FROM syn_entries
		WHERE workspace = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		workspace).Scan(&entries, &namespaces)
	return entries, namespaces, err
}

// ── Agents ──────────────────────────────────────────────────

func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	caps := agent.Capabilities
	if caps == nil {
		caps = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syn_agents
			(workspace, id, role, capabilities, last_heartbeat, registered_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (workspace, id) DO UPDATE SET
			role = EXCLUDED.role,
			capabilities = EXCLUDED.capabilities,
			updated_at = EXCLUDED.updated_at`,
		agent.Workspace, agent.ID, string(agent.Role), caps,
		agent.LastHeartbeat, agent.RegisteredAt, agent.UpdatedAt)
	return err
}

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var (
		a    models.Agent
		role string
	)
	err := row.Scan(&a.Workspace, &a.ID, &role, &a.Capabilities,
		&a.LastHeartbeat, &a.RegisteredAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Role = models.AgentRole(role)
	return &a, nil
}

const agentColumns = `workspace, id, role, capabilities, last_heartbeat, registered_at, updated_at`

func (s *PostgresStore) GetAgent(ctx context.Context, workspace, id string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentColumns+`
		FROM syn_agents WHERE workspace = $1 AND id = $2`, workspace, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "agent", Key: id}
	}
	return a, err
}

func (s *PostgresStore) ListAgents(ctx context.Context, workspace string) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+`
		FROM syn_agents WHERE workspace = $1 ORDER BY id`, workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchAgent(ctx context.Context, workspace, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE syn_agents
		SET last_heartbeat = $3, updated_at = $3
		WHERE workspace = $1 AND id = $2`, workspace, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "agent", Key: id}
	}
	return nil
}

// ── Grants ──────────────────────────────────────────────────

func (s *PostgresStore) PutGrant(ctx context.Context, grant *models.Grant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock the workspace's grants: downgrading the sole admin grant
	// covering a namespace would orphan it the same way a revoke
	// would, so the upsert runs the same check atomically.
	found, wasAdmin, covered, err := grantAdminState(ctx, tx, grant.Workspace, grant.Namespace, grant.Subject)
	if err != nil {
		return err
	}
	if found && wasAdmin && grant.Level != models.LevelAdmin && !covered {
		return &models.LastAdminError{Namespace: grant.Namespace}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO syn_grants
			(workspace, namespace, subject, subject_kind, level, granted_by, granted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (workspace, namespace, subject) DO UPDATE SET
			subject_kind = EXCLUDED.subject_kind,
			level = EXCLUDED.level,
			granted_by = EXCLUDED.granted_by,
			granted_at = EXCLUDED.granted_at`,
		grant.Workspace, grant.Namespace, grant.Subject, string(grant.SubjectKind),
		string(grant.Level), grant.GrantedBy, grant.GrantedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteGrant(ctx context.Context, workspace, namespace, subject string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Lock the workspace's grants so the last-admin check and the
	// delete are one atomic step.
	found, wasAdmin, covered, err := grantAdminState(ctx, tx, workspace, namespace, subject)
	if err != nil {
		return err
	}
	if !found {
		return &models.NotFoundError{Entity: "grant", Key: namespace + "/" + subject}
	}
	if wasAdmin && !covered {
		return &models.LastAdminError{Namespace: namespace}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM syn_grants
		WHERE workspace = $1 AND namespace = $2 AND subject = $3`,
		workspace, namespace, subject); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// grantAdminState locks every grant in the workspace and reports on
// the grant identified by (namespace, subject): whether it exists,
// whether it is an admin grant, and whether some OTHER admin grant
// still covers the namespace. Wildcard grants cover scoped
// namespaces; a wildcard grant itself is only covered by another
// wildcard, since per-namespace admins do not cover namespaces that
// don't exist yet.
func grantAdminState(ctx context.Context, tx pgx.Tx, workspace, namespace, subject string) (found, wasAdmin, covered bool, err error) {
	rows, err := tx.Query(ctx, `
		SELECT namespace, subject, level FROM syn_grants
		WHERE workspace = $1 FOR UPDATE`, workspace)
	if err != nil {
		return false, false, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var ns, sub, level string
		if err := rows.Scan(&ns, &sub, &level); err != nil {
			return false, false, false, err
		}
		if ns == namespace && sub == subject {
			found = true
			wasAdmin = models.AccessLevel(level) == models.LevelAdmin
			continue
		}
		if models.AccessLevel(level) != models.LevelAdmin {
			continue
		}
		if ns == namespace || (namespace != WildcardNamespace && ns == WildcardNamespace) {
			covered = true
		}
	}
	return found, wasAdmin, covered, rows.Err()
}

func (s *PostgresStore) ListGrants(ctx context.Context, workspace, namespace string) ([]models.Grant, error) {
	query := `SELECT workspace, namespace, subject, subject_kind, level, granted_by, granted_at
		FROM syn_grants WHERE workspace = $1`
	args := []interface{}{workspace}
	if namespace != "" {
		query += ` AND (namespace = $2 OR namespace = $3)`
		args = append(args, namespace, WildcardNamespace)
	}
	query += ` ORDER BY namespace, subject`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Grant
	for rows.Next() {
		var (
			g           models.Grant
			kind, level string
		)
		if err := rows.Scan(&g.Workspace, &g.Namespace, &g.Subject, &kind,
			&level, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, err
		}
		g.SubjectKind = models.SubjectKind(kind)
		g.Level = models.AccessLevel(level)
		out = append(out, g)
	}
	return out, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	seq, err := nextSeq(ctx, tx, event.Workspace, "audit")
	if err != nil {
		return err
	}
	event.Seq = seq

	tags := event.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO syn_audit
			(id, workspace, actor, action, target, namespace, result, detail, tags, priority, seq, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		event.ID, event.Workspace, event.Actor, string(event.Action), event.Target,
		event.Namespace, string(event.Result), event.Detail, tags,
		string(event.Priority), int64(event.Seq), event.Timestamp)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, workspace string, filter models.AuditFilter) ([]models.AuditEvent, error) {
	query := `SELECT id, workspace, actor, action, target, namespace, result, detail, tags, priority, seq, ts
		FROM syn_audit WHERE workspace = $1`
	args := []interface{}{workspace}
	argIdx := 2

	if filter.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argIdx)
		args = append(args, filter.Actor)
		argIdx++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, string(filter.Action))
		argIdx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND ts > $%d", argIdx)
		args = append(args, *filter.Since)
		argIdx++
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var (
			ev                       models.AuditEvent
			action, result, priority string
			seq                      int64
		)
		if err := rows.Scan(&ev.ID, &ev.Workspace, &ev.Actor, &action, &ev.Target,
			&ev.Namespace, &result, &ev.Detail, &ev.Tags, &priority, &seq,
			&ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Action = models.AuditAction(action)
		ev.Result = models.AuditResult(result)
		ev.Priority = models.Priority(priority)
		ev.Seq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAuditEvents(ctx context.Context, workspace string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM syn_audit WHERE workspace = $1`, workspace).Scan(&n)
	return n, err
}

// ── Webhooks ────────────────────────────────────────────────

const webhookColumns = `workspace, id, name, url, secret, policy, status, failure_count, created_at, updated_at`

func (s *PostgresStore) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syn_webhooks (`+webhookColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		webhook.Workspace, webhook.ID, webhook.Name, webhook.URL, webhook.Secret,
		webhook.Policy, string(webhook.Status), webhook.FailureCount,
		webhook.CreatedAt, webhook.UpdatedAt)
	return err
}

func scanWebhook(row pgx.Row) (*models.Webhook, error) {
	var (
		h      models.Webhook
		status string
	)
	err := row.Scan(&h.Workspace, &h.ID, &h.Name, &h.URL, &h.Secret, &h.Policy,
		&status, &h.FailureCount, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	h.Status = models.WebhookStatus(status)
	return &h, nil
}

func (s *PostgresStore) GetWebhook(ctx context.Context, workspace, id string) (*models.Webhook, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+webhookColumns+`
		FROM syn_webhooks WHERE workspace = $1 AND id = $2`, workspace, id)
	h, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "webhook", Key: id}
	}
	return h, err
}

func (s *PostgresStore) UpdateWebhook(ctx context.Context, webhook *models.Webhook) error {
	tag, err := s.pool.Exec(ctx, `UPDATE syn_webhooks SET
		name = $3, url = $4, secret = $5, policy = $6, status = $7,
		failure_count = $8, updated_at = $9
		WHERE workspace = $1 AND id = $2`,
		webhook.Workspace, webhook.ID, webhook.Name, webhook.URL, webhook.Secret,
		webhook.Policy, string(webhook.Status), webhook.FailureCount, webhook.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Entity: "webhook", Key: webhook.ID}
	}
	return nil
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, workspace string) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+webhookColumns+`
		FROM syn_webhooks WHERE workspace = $1 ORDER BY created_at`, workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Webhook
	for rows.Next() {
		h, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendDelivery(ctx context.Context, delivery *models.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syn_deliveries (id, workspace, webhook, event_id, status, attempts, error, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		delivery.ID, delivery.Workspace, delivery.Webhook, delivery.EventID,
		string(delivery.Status), delivery.Attempts, delivery.Error, delivery.Timestamp)
	return err
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, workspace, webhookID string, limit int) ([]models.Delivery, error) {
	query := `SELECT id, workspace, webhook, event_id, status, attempts, error, ts
		FROM syn_deliveries WHERE workspace = $1 AND webhook = $2
		ORDER BY ts DESC`
	args := []interface{}{workspace, webhookID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		var (
			d      models.Delivery
			status string
		)
		if err := rows.Scan(&d.ID, &d.Workspace, &d.Webhook, &d.EventID,
			&status, &d.Attempts, &d.Error, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Status = models.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ── Workspaces ──────────────────────────────────────────────

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace *models.Workspace) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO syn_workspaces (id, name, description, owner, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		workspace.ID, workspace.Name, workspace.Description, workspace.Owner,
		workspace.CreatedAt)
	return err
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, owner, created_at
		FROM syn_workspaces WHERE id = $1`, id).
		Scan(&ws.ID, &ws.Name, &ws.Description, &ws.Owner, &ws.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "workspace", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, owner, created_at
		FROM syn_workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Description, &ws.Owner, &ws.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
