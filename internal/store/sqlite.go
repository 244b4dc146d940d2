package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/oppsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	notice_id           TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	agency              TEXT,
	sub_agency          TEXT,
	office              TEXT,
	naics_code          TEXT,
	classification_code TEXT,
	posted_at           DATETIME NOT NULL,
	response_deadline   DATETIME,
	active              INTEGER NOT NULL DEFAULT 1,
	raw                 TEXT,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	synced_at           DATETIME
);

CREATE TABLE IF NOT EXISTS queue (
	notice_id                TEXT PRIMARY KEY REFERENCES opportunities(notice_id),
	needs_attachments        INTEGER NOT NULL DEFAULT 1,
	needs_analysis           INTEGER NOT NULL DEFAULT 1,
	enqueued_at              DATETIME NOT NULL,
	attachments_completed_at DATETIME,
	analysis_completed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS attachments (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	notice_id       TEXT NOT NULL REFERENCES opportunities(notice_id),
	resource_id     TEXT NOT NULL,
	filename        TEXT NOT NULL,
	mime_type       TEXT,
	size_bytes      INTEGER NOT NULL DEFAULT 0,
	access          TEXT NOT NULL DEFAULT 'public',
	url             TEXT NOT NULL,
	local_path      TEXT,
	download_status INTEGER NOT NULL DEFAULT 0,
	download_error  TEXT,
	extract_status  TEXT NOT NULL DEFAULT 'pending',
	extracted_text  TEXT,
	extract_error   TEXT,
	created_at      DATETIME NOT NULL,
	UNIQUE(notice_id, resource_id)
);

CREATE TABLE IF NOT EXISTS analyses (
	notice_id         TEXT PRIMARY KEY REFERENCES opportunities(notice_id),
	status            TEXT NOT NULL DEFAULT 'pending',
	result            TEXT,
	model             TEXT,
	error             TEXT,
	input_attachments INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	completed_at      DATETIME
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	items        INTEGER NOT NULL DEFAULT 0,
	detail       TEXT,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_opportunities_active ON opportunities(active);
CREATE INDEX IF NOT EXISTS idx_opportunities_synced ON opportunities(updated_at, synced_at);
CREATE INDEX IF NOT EXISTS idx_queue_attachments ON queue(needs_attachments, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_analysis ON queue(needs_analysis, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_attachments_notice ON attachments(notice_id);
CREATE INDEX IF NOT EXISTS idx_attachments_download ON attachments(download_status, access);
CREATE INDEX IF NOT EXISTS idx_attachments_extract ON attachments(download_status, extract_status);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run ON stage_runs(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Opportunities ---

func (s *SQLiteStore) GetPostedAt(ctx context.Context, noticeID string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT posted_at FROM opportunities WHERE notice_id = ?`, noticeID,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get posted_at %s", noticeID)
	}
	return &t, nil
}

func (s *SQLiteStore) GetOpportunity(ctx context.Context, noticeID string) (*model.Opportunity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+oppColumns+` FROM opportunities WHERE notice_id = ?`, noticeID,
	)
	opp, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s", noticeID)
	}
	return opp, nil
}

func (s *SQLiteStore) CreateOpportunity(ctx context.Context, opp model.Opportunity) error {
	now := time.Now().UTC()

	rawJSON, err := marshalRaw(opp.Raw)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO opportunities (notice_id, title, agency, sub_agency, office, naics_code,
			classification_code, posted_at, response_deadline, active, raw, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.NoticeID, opp.Title, opp.Agency, opp.SubAgency, opp.Office, opp.NAICSCode,
		opp.ClassificationCode, opp.PostedAt.UTC(), nullTime(opp.ResponseDeadline),
		boolToInt(opp.Active), rawJSON, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert opportunity %s", opp.NoticeID)
	}

	// New records are enqueued in the same transaction: record and queue
	// entry land together or not at all.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue (notice_id, needs_attachments, needs_analysis, enqueued_at)
		 VALUES (?, 1, 1, ?)
		 ON CONFLICT(notice_id) DO NOTHING`,
		opp.NoticeID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: enqueue %s", opp.NoticeID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create opportunity")
}

func (s *SQLiteStore) UpdateOpportunity(ctx context.Context, opp model.Opportunity) error {
	rawJSON, err := marshalRaw(opp.Raw)
	if err != nil {
		return err
	}

	// The posted_at guard makes the monotonicity invariant hold even if the
	// caller raced a newer write between its read and this update.
	res, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET title = ?, agency = ?, sub_agency = ?, office = ?,
			naics_code = ?, classification_code = ?, posted_at = ?, response_deadline = ?,
			active = ?, raw = ?, updated_at = ?
		 WHERE notice_id = ? AND posted_at < ?`,
		opp.Title, opp.Agency, opp.SubAgency, opp.Office,
		opp.NAICSCode, opp.ClassificationCode, opp.PostedAt.UTC(), nullTime(opp.ResponseDeadline),
		boolToInt(opp.Active), rawJSON, time.Now().UTC(),
		opp.NoticeID, opp.PostedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update opportunity %s", opp.NoticeID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrStalePosted
	}
	return nil
}

func (s *SQLiteStore) MarkInactiveExcept(ctx context.Context, activeIDs []string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE _active_ids (notice_id TEXT PRIMARY KEY)`); err != nil {
		return 0, eris.Wrap(err, "sqlite: create temp id table")
	}
	for _, id := range activeIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO _active_ids (notice_id) VALUES (?)`, id); err != nil {
			return 0, eris.Wrap(err, "sqlite: fill temp id table")
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE opportunities SET active = 0, updated_at = ?
		 WHERE active = 1
		   AND notice_id NOT IN (SELECT notice_id FROM _active_ids)`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark inactive")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE _active_ids`); err != nil {
		return 0, eris.Wrap(err, "sqlite: drop temp id table")
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit mark inactive")
}

// --- Queue ---

func (s *SQLiteStore) GetQueueEntry(ctx context.Context, noticeID string) (*model.QueueEntry, error) {
	var (
		entry                     model.QueueEntry
		needsAtt, needsAnalysis   int
		attCompleted, anCompleted sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT notice_id, needs_attachments, needs_analysis, enqueued_at,
			attachments_completed_at, analysis_completed_at
		 FROM queue WHERE notice_id = ?`, noticeID,
	).Scan(&entry.NoticeID, &needsAtt, &needsAnalysis, &entry.EnqueuedAt, &attCompleted, &anCompleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get queue entry %s", noticeID)
	}
	entry.NeedsAttachments = needsAtt == 1
	entry.NeedsAnalysis = needsAnalysis == 1
	if attCompleted.Valid {
		entry.AttachmentsCompletedAt = &attCompleted.Time
	}
	if anCompleted.Valid {
		entry.AnalysisCompletedAt = &anCompleted.Time
	}
	return &entry, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, noticeID string) error {
	// Insert-if-absent: a second enqueue never resets a completed flag.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (notice_id, needs_attachments, needs_analysis, enqueued_at)
		 VALUES (?, 1, 1, ?)
		 ON CONFLICT(notice_id) DO NOTHING`,
		noticeID, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: enqueue %s", noticeID)
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, stage model.Stage, limit int) ([]string, error) {
	col, err := stageColumn(stage)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT notice_id FROM queue WHERE `+col+` = 1 ORDER BY enqueued_at ASC, notice_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim pending %s", stage)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claim")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: claim pending iterate")
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stage model.Stage, noticeID string) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	// Completing an id that was never enqueued (or already completed) is a
	// silent no-op: updates refresh content without re-enqueueing.
	_, err = s.db.ExecContext(ctx,
		`UPDATE queue SET `+col+` = 0, `+stageCompletedColumn(stage)+` = ?
		 WHERE notice_id = ? AND `+col+` = 1`,
		time.Now().UTC(), noticeID,
	)
	return eris.Wrapf(err, "sqlite: complete %s for %s", stage, noticeID)
}

func (s *SQLiteStore) RequeueStage(ctx context.Context, stage model.Stage, noticeID string) error {
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET `+col+` = 1, `+stageCompletedColumn(stage)+` = NULL WHERE notice_id = ?`,
		noticeID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue %s for %s", stage, noticeID)
	}
	return checkRowsAffected(res, "queue entry", noticeID)
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	var st model.QueueStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(needs_attachments), 0),
			COALESCE(SUM(needs_analysis), 0)
		 FROM queue`,
	).Scan(&st.Total, &st.PendingAttachments, &st.PendingAnalysis)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats")
	}
	return &st, nil
}

// --- Attachments ---

func (s *SQLiteStore) InsertAttachmentsIfAbsent(ctx context.Context, atts []model.Attachment) (int64, error) {
	if len(atts) == 0 {
		return 0, nil
	}
	var inserted int64
	now := time.Now().UTC()
	for _, a := range atts {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO attachments (notice_id, resource_id, filename, mime_type, size_bytes, access, url, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(notice_id, resource_id) DO NOTHING`,
			a.NoticeID, a.ResourceID, a.Filename, a.MimeType, a.SizeBytes, string(a.Access), a.URL, now,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "sqlite: insert attachment %s/%s", a.NoticeID, a.ResourceID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}
	return inserted, nil
}

func (s *SQLiteStore) ClaimDownloads(ctx context.Context, limit int) ([]model.Attachment, error) {
	// Restricted attachments are never attempted; failed (-1) and succeeded
	// (1) rows are terminal and never reselected. Attachments for
	// opportunities still awaiting analysis outrank older backlog.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attColumns+` FROM attachments a
		 WHERE a.download_status = 0 AND a.access = 'public'
		 ORDER BY
			CASE WHEN EXISTS (
				SELECT 1 FROM queue q WHERE q.notice_id = a.notice_id AND q.needs_analysis = 1
			) THEN 0 ELSE 1 END,
			a.id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim downloads")
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func (s *SQLiteStore) MarkDownloadSuccess(ctx context.Context, attID int64, localPath string) error {
	// Guarded by the pending status so terminal rows stay terminal; see the
	// transition table in internal/model.
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET download_status = 1, local_path = ?, download_error = NULL
		 WHERE id = ? AND download_status = 0`,
		localPath, attID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark downloaded %d", attID)
	}
	return checkRowsAffected(res, "pending attachment", itoa(attID))
}

func (s *SQLiteStore) MarkDownloadFailed(ctx context.Context, attID int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET download_status = -1, download_error = ?
		 WHERE id = ? AND download_status = 0`,
		truncateError(errMsg), attID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark download failed %d", attID)
	}
	return checkRowsAffected(res, "pending attachment", itoa(attID))
}

func (s *SQLiteStore) ResetDownloads(ctx context.Context, noticeID string) (int64, error) {
	// Explicit operator reset is the only path out of the failed state.
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments
		 SET download_status = 0, download_error = NULL, extract_status = 'pending', extract_error = NULL
		 WHERE notice_id = ? AND download_status = -1`,
		noticeID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset downloads %s", noticeID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListPendingExtractions(ctx context.Context, limit int) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attColumns+` FROM attachments a
		 WHERE a.download_status = 1 AND a.extract_status = 'pending'
		 ORDER BY a.id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending extractions")
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func (s *SQLiteStore) SetExtractResult(ctx context.Context, attID int64, status model.ExtractStatus, text, errMsg string) error {
	if err := model.ValidateExtractTransition(model.ExtractPending, status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET extract_status = ?, extracted_text = ?, extract_error = ?
		 WHERE id = ? AND extract_status = 'pending'`,
		string(status), text, truncateError(errMsg), attID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set extract result %d", attID)
	}
	return checkRowsAffected(res, "pending attachment", itoa(attID))
}

func (s *SQLiteStore) ListAttachments(ctx context.Context, noticeID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attColumns+` FROM attachments a WHERE a.notice_id = ? ORDER BY a.id ASC`,
		noticeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attachments %s", noticeID)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

// --- Analysis ---

func (s *SQLiteStore) ListAnalysisReady(ctx context.Context, limit int) ([]string, error) {
	// Ready once metadata is fetched and every public attachment reached a
	// terminal state. Restricted attachments never download, so they do not
	// gate analysis. Non-terminal = still pending download, or downloaded
	// but not yet through Phase 1.
	rows, err := s.db.QueryContext(ctx,
		`SELECT q.notice_id FROM queue q
		 WHERE q.needs_analysis = 1
		   AND q.needs_attachments = 0
		   AND NOT EXISTS (
			SELECT 1 FROM attachments a
			WHERE a.notice_id = q.notice_id
			  AND a.access = 'public'
			  AND (a.download_status = 0
				OR (a.download_status = 1 AND a.extract_status = 'pending'))
		   )
		 ORDER BY q.enqueued_at ASC, q.notice_id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analysis ready")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis ready")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list analysis ready iterate")
}

func (s *SQLiteStore) ExtractedTexts(ctx context.Context, noticeID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attColumns+` FROM attachments a
		 WHERE a.notice_id = ? AND a.extract_status = 'extracted'
		 ORDER BY a.id ASC`,
		noticeID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: extracted texts %s", noticeID)
	}
	defer rows.Close()
	return scanAttachments(rows)
}

func (s *SQLiteStore) SaveAnalysis(ctx context.Context, a model.Analysis) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (notice_id, status, result, model, error, input_attachments, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(notice_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			model = excluded.model,
			error = excluded.error,
			input_attachments = excluded.input_attachments,
			completed_at = excluded.completed_at`,
		a.NoticeID, string(a.Status), a.Result, a.Model, truncateError(a.Error),
		a.InputAttachments, now, nullTime(a.CompletedAt),
	)
	return eris.Wrapf(err, "sqlite: save analysis %s", a.NoticeID)
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, noticeID string) (*model.Analysis, error) {
	var a model.Analysis
	var result, mdl, errMsg sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT notice_id, status, result, model, error, input_attachments, created_at, completed_at
		 FROM analyses WHERE notice_id = ?`,
		noticeID,
	).Scan(&a.NoticeID, &a.Status, &result, &mdl, &errMsg, &a.InputAttachments, &a.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get analysis %s", noticeID)
	}
	a.Result = result.String
	a.Model = mdl.String
	a.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

// --- Remote sync bookkeeping ---

func (s *SQLiteStore) ListUnsynced(ctx context.Context, limit int) ([]model.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+oppColumns+` FROM opportunities
		 WHERE synced_at IS NULL OR updated_at > synced_at
		 ORDER BY updated_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unsynced")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unsynced")
		}
		opps = append(opps, *opp)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: list unsynced iterate")
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, noticeIDs []string, at time.Time) error {
	for _, id := range noticeIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE opportunities SET synced_at = ? WHERE notice_id = ?`,
			at.UTC(), id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: mark synced %s", id)
		}
	}
	return nil
}

// --- Stage run ledger ---

func (s *SQLiteStore) StartStageRun(ctx context.Context, runID, stage string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (run_id, stage, status, started_at) VALUES (?, ?, 'running', ?)`,
		runID, stage, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start stage run %s", stage)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: last insert id")
}

func (s *SQLiteStore) CompleteStageRun(ctx context.Context, id int64, items int, detail map[string]any) error {
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage detail")
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = 'complete', completed_at = ?, items = ?, detail = ? WHERE id = ?`,
		time.Now().UTC(), items, string(detailJSON), id,
	)
	return eris.Wrapf(err, "sqlite: complete stage run %d", id)
}

func (s *SQLiteStore) FailStageRun(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), truncateError(errMsg), id,
	)
	return eris.Wrapf(err, "sqlite: fail stage run %d", id)
}

func (s *SQLiteStore) ListStageRuns(ctx context.Context, limit int) ([]model.StageRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, status, started_at, completed_at, items, detail, error
		 FROM stage_runs ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage runs")
	}
	defer rows.Close()

	var runs []model.StageRun
	for rows.Next() {
		var r model.StageRun
		var completedAt sql.NullTime
		var detail, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Stage, &r.Status, &r.StartedAt,
			&completedAt, &r.Items, &detail, &errMsg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage run")
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		r.Detail = detail.String
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate stage runs")
}

// helpers

const oppColumns = `notice_id, title, agency, sub_agency, office, naics_code,
	classification_code, posted_at, response_deadline, active, raw, created_at, updated_at, synced_at`

const attColumns = `a.id, a.notice_id, a.resource_id, a.filename, a.mime_type, a.size_bytes,
	a.access, a.url, a.local_path, a.download_status, a.download_error,
	a.extract_status, a.extracted_text, a.extract_error, a.created_at`

func stageColumn(stage model.Stage) (string, error) {
	switch stage {
	case model.StageAttachments:
		return "needs_attachments", nil
	case model.StageAnalysis:
		return "needs_analysis", nil
	default:
		return "", eris.Errorf("store: unknown stage %q", stage)
	}
}

func stageCompletedColumn(stage model.Stage) string {
	if stage == model.StageAttachments {
		return "attachments_completed_at"
	}
	return "analysis_completed_at"
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func marshalRaw(raw map[string]string) (sql.NullString, error) {
	if raw == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "store: marshal raw payload")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOpportunity(row scannable) (*model.Opportunity, error) {
	var opp model.Opportunity
	var subAgency, office, naics, classification sql.NullString
	var deadline, syncedAt sql.NullTime
	var active int
	var raw sql.NullString

	err := row.Scan(&opp.NoticeID, &opp.Title, &opp.Agency, &subAgency, &office, &naics,
		&classification, &opp.PostedAt, &deadline, &active, &raw,
		&opp.CreatedAt, &opp.UpdatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	opp.SubAgency = subAgency.String
	opp.Office = office.String
	opp.NAICSCode = naics.String
	opp.ClassificationCode = classification.String
	opp.Active = active != 0
	if deadline.Valid {
		t := deadline.Time
		opp.ResponseDeadline = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		opp.SyncedAt = &t
	}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &opp.Raw); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal raw payload")
		}
	}
	return &opp, nil
}

func scanAttachments(rows *sql.Rows) ([]model.Attachment, error) {
	var atts []model.Attachment
	for rows.Next() {
		var a model.Attachment
		var mimeType, localPath, dlErr, text, exErr sql.NullString
		var access string
		if err := rows.Scan(&a.ID, &a.NoticeID, &a.ResourceID, &a.Filename, &mimeType, &a.SizeBytes,
			&access, &a.URL, &localPath, &a.Download, &dlErr,
			&a.Extract, &text, &exErr, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan attachment")
		}
		a.MimeType = mimeType.String
		a.Access = model.AccessLevel(access)
		a.LocalPath = localPath.String
		a.DownloadError = dlErr.String
		a.ExtractedText = text.String
		a.ExtractError = exErr.String
		atts = append(atts, a)
	}
	return atts, eris.Wrap(rows.Err(), "store: attachments iterate")
}
