package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/oppsync/internal/db"
	"github.com/sells-group/oppsync/internal/model"
)

// PostgresStore implements Store using pgxpool. The production dataset runs
// on Postgres; SQLite covers local and test runs.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool (or a pgxmock) in a PostgresStore.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	notice_id           TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	agency              TEXT,
	sub_agency          TEXT,
	office              TEXT,
	naics_code          TEXT,
	classification_code TEXT,
	posted_at           TIMESTAMPTZ NOT NULL,
	response_deadline   TIMESTAMPTZ,
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	raw                 JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	synced_at           TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS queue (
	notice_id                TEXT PRIMARY KEY REFERENCES opportunities(notice_id),
	needs_attachments        BOOLEAN NOT NULL DEFAULT TRUE,
	needs_analysis           BOOLEAN NOT NULL DEFAULT TRUE,
	enqueued_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	attachments_completed_at TIMESTAMPTZ,
	analysis_completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS attachments (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	notice_id       TEXT NOT NULL REFERENCES opportunities(notice_id),
	resource_id     TEXT NOT NULL,
	filename        TEXT NOT NULL,
	mime_type       TEXT,
	size_bytes      BIGINT NOT NULL DEFAULT 0,
	access          TEXT NOT NULL DEFAULT 'public',
	url             TEXT NOT NULL,
	local_path      TEXT,
	download_status INT NOT NULL DEFAULT 0,
	download_error  TEXT,
	extract_status  TEXT NOT NULL DEFAULT 'pending',
	extracted_text  TEXT,
	extract_error   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(notice_id, resource_id)
);

CREATE TABLE IF NOT EXISTS analyses (
	notice_id         TEXT PRIMARY KEY REFERENCES opportunities(notice_id),
	status            TEXT NOT NULL DEFAULT 'pending',
	result            TEXT,
	model             TEXT,
	error             TEXT,
	input_attachments INT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	run_id       TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	items        INT NOT NULL DEFAULT 0,
	detail       JSONB,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_opportunities_active ON opportunities(active);
CREATE INDEX IF NOT EXISTS idx_queue_attachments ON queue(needs_attachments, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_analysis ON queue(needs_analysis, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_attachments_notice ON attachments(notice_id);
CREATE INDEX IF NOT EXISTS idx_attachments_download ON attachments(download_status, access);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run ON stage_runs(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

// --- Opportunities ---

func (s *PostgresStore) GetPostedAt(ctx context.Context, noticeID string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT posted_at FROM opportunities WHERE notice_id = $1`, noticeID,
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get posted_at %s", noticeID)
	}
	return &t, nil
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, noticeID string) (*model.Opportunity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+oppColumns+` FROM opportunities WHERE notice_id = $1`, noticeID,
	)
	opp, err := scanPgOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get opportunity %s", noticeID)
	}
	return opp, nil
}

func (s *PostgresStore) CreateOpportunity(ctx context.Context, opp model.Opportunity) error {
	rawJSON, err := marshalRawBytes(opp.Raw)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO opportunities (notice_id, title, agency, sub_agency, office, naics_code,
			classification_code, posted_at, response_deadline, active, raw, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		opp.NoticeID, opp.Title, opp.Agency, opp.SubAgency, opp.Office, opp.NAICSCode,
		opp.ClassificationCode, opp.PostedAt.UTC(), opp.ResponseDeadline, opp.Active, rawJSON, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert opportunity %s", opp.NoticeID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO queue (notice_id, needs_attachments, needs_analysis, enqueued_at)
		 VALUES ($1, TRUE, TRUE, $2)
		 ON CONFLICT (notice_id) DO NOTHING`,
		opp.NoticeID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: enqueue %s", opp.NoticeID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create opportunity")
}

func (s *PostgresStore) UpdateOpportunity(ctx context.Context, opp model.Opportunity) error {
	rawJSON, err := marshalRawBytes(opp.Raw)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET title = $1, agency = $2, sub_agency = $3, office = $4,
			naics_code = $5, classification_code = $6, posted_at = $7, response_deadline = $8,
			active = $9, raw = $10, updated_at = now()
		 WHERE notice_id = $11 AND posted_at < $7`,
		opp.Title, opp.Agency, opp.SubAgency, opp.Office,
		opp.NAICSCode, opp.ClassificationCode, opp.PostedAt.UTC(), opp.ResponseDeadline,
		opp.Active, rawJSON, opp.NoticeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update opportunity %s", opp.NoticeID)
	}
	if tag.RowsAffected() == 0 {
		return ErrStalePosted
	}
	return nil
}

func (s *PostgresStore) MarkInactiveExcept(ctx context.Context, activeIDs []string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET active = FALSE, updated_at = now()
		 WHERE active = TRUE AND NOT (notice_id = ANY($1))`,
		activeIDs,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark inactive")
	}
	return tag.RowsAffected(), nil
}

// --- Queue ---

func (s *PostgresStore) GetQueueEntry(ctx context.Context, noticeID string) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	err := s.pool.QueryRow(ctx,
		`SELECT notice_id, needs_attachments, needs_analysis, enqueued_at,
			attachments_completed_at, analysis_completed_at
		 FROM queue WHERE notice_id = $1`, noticeID,
	).Scan(&entry.NoticeID, &entry.NeedsAttachments, &entry.NeedsAnalysis,
		&entry.EnqueuedAt, &entry.AttachmentsCompletedAt, &entry.AnalysisCompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get queue entry %s", noticeID)
	}
	return &entry, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, noticeID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queue (notice_id, needs_attachments, needs_analysis, enqueued_at)
		 VALUES ($1, TRUE, TRUE, now())
		 ON CONFLICT (notice_id) DO NOTHING`,
		noticeID,
	)
	return eris.Wrapf(err, "postgres: enqueue %s", noticeID)
}

func (s *PostgresStore) ClaimPending(ctx context.Context, stage model.Stage, limit int) ([]string, error) {
	col, err := stageColumn(stage)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT notice_id FROM queue WHERE `+col+` ORDER BY enqueued_at ASC, notice_id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim pending %s", stage)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan claim")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: claim pending iterate")
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stage model.Stage, noticeID string) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE queue SET `+col+` = FALSE, `+stageCompletedColumn(stage)+` = now()
		 WHERE notice_id = $1 AND `+col,
		noticeID,
	)
	return eris.Wrapf(err, "postgres: complete %s for %s", stage, noticeID)
}

func (s *PostgresStore) RequeueStage(ctx context.Context, stage model.Stage, noticeID string) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue SET `+col+` = TRUE, `+stageCompletedColumn(stage)+` = NULL WHERE notice_id = $1`,
		noticeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue %s for %s", stage, noticeID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue entry not found: %s", noticeID)
	}
	return nil
}

func (s *PostgresStore) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	var st model.QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE needs_attachments),
			COUNT(*) FILTER (WHERE needs_analysis)
		 FROM queue`,
	).Scan(&st.Total, &st.PendingAttachments, &st.PendingAnalysis)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue stats")
	}
	return &st, nil
}

// --- Attachments ---

func (s *PostgresStore) InsertAttachmentsIfAbsent(ctx context.Context, atts []model.Attachment) (int64, error) {
	if len(atts) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(atts))
	for i, a := range atts {
		rows[i] = []any{a.NoticeID, a.ResourceID, a.Filename, a.MimeType, a.SizeBytes, string(a.Access), a.URL, now}
	}
	return db.BulkInsertIgnore(ctx, s.pool, db.InsertIgnoreConfig{
		Table:        "attachments",
		Columns:      []string{"notice_id", "resource_id", "filename", "mime_type", "size_bytes", "access", "url", "created_at"},
		ConflictKeys: []string{"notice_id", "resource_id"},
	}, rows)
}

func (s *PostgresStore) ClaimDownloads(ctx context.Context, limit int) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attColumns+` FROM attachments a
		 WHERE a.download_status = 0 AND a.access = 'public'
		 ORDER BY
			CASE WHEN EXISTS (
				SELECT 1 FROM queue q WHERE q.notice_id = a.notice_id AND q.needs_analysis
			) THEN 0 ELSE 1 END,
			a.id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim downloads")
	}
	defer rows.Close()
	return scanPgAttachments(rows)
}

func (s *PostgresStore) MarkDownloadSuccess(ctx context.Context, attID int64, localPath string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET download_status = 1, local_path = $1, download_error = NULL
		 WHERE id = $2 AND download_status = 0`,
		localPath, attID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark downloaded %d", attID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("pending attachment not found: %d", attID)
	}
	return nil
}

func (s *PostgresStore) MarkDownloadFailed(ctx context.Context, attID int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET download_status = -1, download_error = $1
		 WHERE id = $2 AND download_status = 0`,
		truncateError(errMsg), attID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark download failed %d", attID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("pending attachment not found: %d", attID)
	}
	return nil
}

func (s *PostgresStore) ResetDownloads(ctx context.Context, noticeID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments
		 SET download_status = 0, download_error = NULL, extract_status = 'pending', extract_error = NULL
		 WHERE notice_id = $1 AND download_status = -1`,
		noticeID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset downloads %s", noticeID)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListPendingExtractions(ctx context.Context, limit int) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attColumns+` FROM attachments a
		 WHERE a.download_status = 1 AND a.extract_status = 'pending'
		 ORDER BY a.id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending extractions")
	}
	defer rows.Close()
	return scanPgAttachments(rows)
}

func (s *PostgresStore) SetExtractResult(ctx context.Context, attID int64, status model.ExtractStatus, text, errMsg string) error {
	if err := model.ValidateExtractTransition(model.ExtractPending, status); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET extract_status = $1, extracted_text = $2, extract_error = $3
		 WHERE id = $4 AND extract_status = 'pending'`,
		string(status), text, truncateError(errMsg), attID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set extract result %d", attID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("pending attachment not found: %d", attID)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, noticeID string) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attColumns+` FROM attachments a WHERE a.notice_id = $1 ORDER BY a.id ASC`,
		noticeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attachments %s", noticeID)
	}
	defer rows.Close()
	return scanPgAttachments(rows)
}

// --- Analysis ---

func (s *PostgresStore) ListAnalysisReady(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT q.notice_id FROM queue q
		 WHERE q.needs_analysis
		   AND NOT q.needs_attachments
		   AND NOT EXISTS (
			SELECT 1 FROM attachments a
			WHERE a.notice_id = q.notice_id
			  AND a.access = 'public'
			  AND (a.download_status = 0
				OR (a.download_status = 1 AND a.extract_status = 'pending'))
		   )
		 ORDER BY q.enqueued_at ASC, q.notice_id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analysis ready")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis ready")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list analysis ready iterate")
}

func (s *PostgresStore) ExtractedTexts(ctx context.Context, noticeID string) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attColumns+` FROM attachments a
		 WHERE a.notice_id = $1 AND a.extract_status = 'extracted'
		 ORDER BY a.id ASC`,
		noticeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: extracted texts %s", noticeID)
	}
	defer rows.Close()
	return scanPgAttachments(rows)
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, a model.Analysis) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analyses (notice_id, status, result, model, error, input_attachments, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		 ON CONFLICT (notice_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			model = EXCLUDED.model,
			error = EXCLUDED.error,
			input_attachments = EXCLUDED.input_attachments,
			completed_at = EXCLUDED.completed_at`,
		a.NoticeID, string(a.Status), a.Result, a.Model, truncateError(a.Error),
		a.InputAttachments, a.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: save analysis %s", a.NoticeID)
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, noticeID string) (*model.Analysis, error) {
	var a model.Analysis
	var result, mdl, errMsg *string
	var completedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT notice_id, status, result, model, error, input_attachments, created_at, completed_at
		 FROM analyses WHERE notice_id = $1`,
		noticeID,
	).Scan(&a.NoticeID, &a.Status, &result, &mdl, &errMsg, &a.InputAttachments, &a.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get analysis %s", noticeID)
	}
	if result != nil {
		a.Result = *result
	}
	if mdl != nil {
		a.Model = *mdl
	}
	if errMsg != nil {
		a.Error = *errMsg
	}
	a.CompletedAt = completedAt
	return &a, nil
}

// --- Remote sync bookkeeping ---

func (s *PostgresStore) ListUnsynced(ctx context.Context, limit int) ([]model.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppColumns+` FROM opportunities
		 WHERE synced_at IS NULL OR updated_at > synced_at
		 ORDER BY updated_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unsynced")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		opp, err := scanPgOpportunity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan unsynced")
		}
		opps = append(opps, *opp)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: list unsynced iterate")
}

func (s *PostgresStore) MarkSynced(ctx context.Context, noticeIDs []string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET synced_at = $1 WHERE notice_id = ANY($2)`,
		at.UTC(), noticeIDs,
	)
	return eris.Wrap(err, "postgres: mark synced")
}

// --- Stage run ledger ---

func (s *PostgresStore) StartStageRun(ctx context.Context, runID, stage string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO stage_runs (run_id, stage, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		runID, stage,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: start stage run %s", stage)
	}
	return id, nil
}

func (s *PostgresStore) CompleteStageRun(ctx context.Context, id int64, items int, detail map[string]any) error {
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage detail")
		}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET status = 'complete', completed_at = now(), items = $1, detail = $2 WHERE id = $3`,
		items, detailJSON, id,
	)
	return eris.Wrapf(err, "postgres: complete stage run %d", id)
}

func (s *PostgresStore) FailStageRun(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		truncateError(errMsg), id,
	)
	return eris.Wrapf(err, "postgres: fail stage run %d", id)
}

func (s *PostgresStore) ListStageRuns(ctx context.Context, limit int) ([]model.StageRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, status, started_at, completed_at, items, detail, error
		 FROM stage_runs ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage runs")
	}
	defer rows.Close()

	var runs []model.StageRun
	for rows.Next() {
		var r model.StageRun
		var completedAt *time.Time
		var detail, errMsg *string
		if err := rows.Scan(&r.ID, &r.RunID, &r.Stage, &r.Status, &r.StartedAt,
			&completedAt, &r.Items, &detail, &errMsg); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage run")
		}
		r.CompletedAt = completedAt
		if detail != nil {
			r.Detail = *detail
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate stage runs")
}

// helpers

func marshalRawBytes(raw map[string]string) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal raw payload")
	}
	return b, nil
}

func scanPgOpportunity(row scannable) (*model.Opportunity, error) {
	var opp model.Opportunity
	var subAgency, office, naics, classification *string
	var deadline, syncedAt *time.Time
	var raw []byte

	err := row.Scan(&opp.NoticeID, &opp.Title, &opp.Agency, &subAgency, &office, &naics,
		&classification, &opp.PostedAt, &deadline, &opp.Active, &raw,
		&opp.CreatedAt, &opp.UpdatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	if subAgency != nil {
		opp.SubAgency = *subAgency
	}
	if office != nil {
		opp.Office = *office
	}
	if naics != nil {
		opp.NAICSCode = *naics
	}
	if classification != nil {
		opp.ClassificationCode = *classification
	}
	opp.ResponseDeadline = deadline
	opp.SyncedAt = syncedAt
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opp.Raw); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal raw payload")
		}
	}
	return &opp, nil
}

func scanPgAttachments(rows pgx.Rows) ([]model.Attachment, error) {
	var atts []model.Attachment
	for rows.Next() {
		var a model.Attachment
		var mimeType, localPath, dlErr, text, exErr *string
		var access string
		if err := rows.Scan(&a.ID, &a.NoticeID, &a.ResourceID, &a.Filename, &mimeType, &a.SizeBytes,
			&access, &a.URL, &localPath, &a.Download, &dlErr,
			&a.Extract, &text, &exErr, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan attachment")
		}
		if mimeType != nil {
			a.MimeType = *mimeType
		}
		a.Access = model.AccessLevel(access)
		if localPath != nil {
			a.LocalPath = *localPath
		}
		if dlErr != nil {
			a.DownloadError = *dlErr
		}
		if text != nil {
			a.ExtractedText = *text
		}
		if exErr != nil {
			a.ExtractError = *exErr
		}
		atts = append(atts, a)
	}
	return atts, eris.Wrap(rows.Err(), "store: attachments iterate")
}
