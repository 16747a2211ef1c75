package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/cellwatch/cellwatch/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for on-device deployments.
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cells (
	id            TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL UNIQUE,
	technology    TEXT NOT NULL,
	country       INTEGER NOT NULL,
	network       INTEGER NOT NULL,
	area          INTEGER NOT NULL,
	cell          INTEGER NOT NULL,
	frequency     INTEGER NOT NULL DEFAULT 0,
	physical_cell INTEGER NOT NULL DEFAULT 0,
	bandwidth     INTEGER NOT NULL DEFAULT 0,
	collected_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
	connection_id TEXT NOT NULL,
	pipeline_id   INTEGER NOT NULL,
	stage         INTEGER NOT NULL DEFAULT 0,
	score         INTEGER NOT NULL DEFAULT 0,
	terminal      INTEGER NOT NULL DEFAULT 0,
	not_before    DATETIME,
	logs          TEXT,
	updated_at    DATETIME NOT NULL,
	PRIMARY KEY (connection_id, pipeline_id)
);

CREATE TABLE IF NOT EXISTS als_cells (
	technology    TEXT NOT NULL,
	country       INTEGER NOT NULL,
	network       INTEGER NOT NULL,
	area          INTEGER NOT NULL,
	cell          INTEGER NOT NULL,
	frequency     INTEGER NOT NULL DEFAULT 0,
	physical_cell INTEGER NOT NULL DEFAULT 0,
	latitude      REAL,
	longitude     REAL,
	accuracy      REAL,
	reach         REAL,
	imported_at   DATETIME NOT NULL,
	PRIMARY KEY (technology, country, network, area, cell)
);

CREATE TABLE IF NOT EXISTS packets (
	id           TEXT PRIMARY KEY,
	proto        TEXT NOT NULL,
	direction    TEXT NOT NULL,
	collected_at DATETIME NOT NULL,
	data         BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS locations (
	id                  TEXT PRIMARY KEY,
	latitude            REAL NOT NULL,
	longitude           REAL NOT NULL,
	horizontal_accuracy REAL NOT NULL DEFAULT 0,
	reach               REAL NOT NULL DEFAULT 0,
	confidence          REAL NOT NULL DEFAULT 0,
	speed               REAL NOT NULL DEFAULT 0,
	background          INTEGER NOT NULL DEFAULT 0,
	collected_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cells_collected_at ON cells(collected_at);
CREATE INDEX IF NOT EXISTS idx_verifications_pipeline ON verifications(pipeline_id, terminal, not_before);
CREATE INDEX IF NOT EXISTS idx_packets_window ON packets(proto, collected_at);
CREATE INDEX IF NOT EXISTS idx_locations_collected_at ON locations(collected_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) NextVerification(ctx context.Context, pipelineID, afterPipeline int) (*model.VerificationTask, error) {
	now := time.Now().UTC()

	// Register any connections this pipeline has not seen yet.
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO verifications (connection_id, pipeline_id, stage, score, terminal, updated_at)
		SELECT connection_id, ?, 0, 0, 0, ? FROM cells`,
		pipelineID, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: register verifications")
	}

	query := `
		SELECT c.connection_id, c.technology, c.country, c.network, c.area, c.cell,
		       c.frequency, c.physical_cell, c.bandwidth, c.collected_at,
		       v.stage, v.score
		FROM verifications v
		JOIN cells c ON c.connection_id = v.connection_id
		WHERE v.pipeline_id = ?
		  AND v.terminal = 0
		  AND (v.not_before IS NULL OR v.not_before <= ?)`
	args := []any{pipelineID, now}
	if afterPipeline > 0 {
		query += `
		  AND EXISTS (
			SELECT 1 FROM verifications p
			WHERE p.connection_id = v.connection_id AND p.pipeline_id = ? AND p.terminal = 1
		  )`
		args = append(args, afterPipeline)
	}
	query += `
		ORDER BY COALESCE(v.not_before, c.collected_at) ASC
		LIMIT 1`

	var task model.VerificationTask
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&task.Cell.ConnectionID, &task.Cell.Technology, &task.Cell.Country,
		&task.Cell.Network, &task.Cell.Area, &task.Cell.Cell,
		&task.Cell.Frequency, &task.Cell.PhysicalCell, &task.Cell.Bandwidth,
		&task.Cell.CollectedAt, &task.Stage, &task.Score,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next verification")
	}
	return &task, nil
}

func (s *SQLiteStore) SaveVerification(ctx context.Context, rec model.VerificationRecord) error {
	logsJSON, err := json.Marshal(rec.Logs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage logs")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verifications (connection_id, pipeline_id, stage, score, terminal, not_before, logs, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (connection_id, pipeline_id) DO UPDATE SET
			stage = excluded.stage,
			score = excluded.score,
			terminal = excluded.terminal,
			not_before = excluded.not_before,
			logs = excluded.logs,
			updated_at = excluded.updated_at`,
		rec.ConnectionID, rec.PipelineID, rec.Stage, rec.Score, boolToInt(rec.Terminal),
		rec.NotBefore, string(logsJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save verification %s/%d", rec.ConnectionID, rec.PipelineID)
}

func (s *SQLiteStore) Verification(ctx context.Context, connectionID string, pipelineID int) (*model.VerificationRecord, error) {
	var rec model.VerificationRecord
	var terminal int
	var notBefore sql.NullTime
	var logsJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT connection_id, pipeline_id, stage, score, terminal, not_before, logs, updated_at
		FROM verifications
		WHERE connection_id = ? AND pipeline_id = ?`,
		connectionID, pipelineID,
	).Scan(&rec.ConnectionID, &rec.PipelineID, &rec.Stage, &rec.Score, &terminal, &notBefore, &logsJSON, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get verification %s/%d", connectionID, pipelineID)
	}

	rec.Terminal = terminal != 0
	if notBefore.Valid {
		t := notBefore.Time
		rec.NotBefore = &t
	}
	if logsJSON.Valid && logsJSON.String != "" {
		if err := json.Unmarshal([]byte(logsJSON.String), &rec.Logs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal stage logs")
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) ReferenceCell(ctx context.Context, tech model.Technology, country, network, area int32, cell int64) (*model.ALSCell, error) {
	var ref model.ALSCell
	var lat, lon, accuracy, reach sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT technology, country, network, area, cell, frequency, physical_cell,
		       latitude, longitude, accuracy, reach, imported_at
		FROM als_cells
		WHERE technology = ? AND country = ? AND network = ? AND area = ? AND cell = ?`,
		string(tech), country, network, area, cell,
	).Scan(&ref.Technology, &ref.Country, &ref.Network, &ref.Area, &ref.Cell,
		&ref.Frequency, &ref.PhysicalCell, &lat, &lon, &accuracy, &reach, &ref.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reference cell lookup")
	}

	if lat.Valid && lon.Valid {
		ref.Location = &model.QueryLocation{
			Latitude:           lat.Float64,
			Longitude:          lon.Float64,
			HorizontalAccuracy: accuracy.Float64,
			Reach:              reach.Float64,
			CollectedAt:        ref.ImportedAt,
		}
	}
	return &ref, nil
}

func (s *SQLiteStore) ImportReferenceCells(ctx context.Context, cells []model.ALSCell) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO als_cells (technology, country, network, area, cell, frequency, physical_cell,
		                       latitude, longitude, accuracy, reach, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (technology, country, network, area, cell) DO UPDATE SET
			frequency = excluded.frequency,
			physical_cell = excluded.physical_cell,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			accuracy = excluded.accuracy,
			reach = excluded.reach,
			imported_at = excluded.imported_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import")
	}
	defer stmt.Close()

	var n int64
	for _, c := range cells {
		var lat, lon, accuracy, reach any
		if c.Location != nil {
			lat, lon = c.Location.Latitude, c.Location.Longitude
			accuracy, reach = c.Location.HorizontalAccuracy, c.Location.Reach
		}
		if _, err := stmt.ExecContext(ctx, string(c.Technology), c.Country, c.Network, c.Area, c.Cell,
			c.Frequency, c.PhysicalCell, lat, lon, accuracy, reach, c.ImportedAt.UTC()); err != nil {
			return 0, eris.Wrap(err, "sqlite: import reference cell")
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import tx")
	}
	return n, nil
}

func (s *SQLiteStore) InsertCell(ctx context.Context, cell model.QueryCell) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cells (id, connection_id, technology, country, network, area, cell,
		                   frequency, physical_cell, bandwidth, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), cell.ConnectionID, string(cell.Technology), cell.Country,
		cell.Network, cell.Area, cell.Cell, cell.Frequency, cell.PhysicalCell,
		cell.Bandwidth, cell.CollectedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert cell %s", cell.ConnectionID)
}

func (s *SQLiteStore) ConnectionLifespan(ctx context.Context, connectionID string) (*Lifespan, error) {
	var start time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT collected_at FROM cells WHERE connection_id = ?`, connectionID,
	).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lifespan start %s", connectionID)
	}

	// The window closes when the next connection is observed.
	var end time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT collected_at FROM cells WHERE collected_at > ? ORDER BY collected_at ASC LIMIT 1`, start,
	).Scan(&end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lifespan end %s", connectionID)
	}

	return &Lifespan{Start: start, End: end}, nil
}

func (s *SQLiteStore) InsertPacket(ctx context.Context, pkt model.Packet) error {
	id := pkt.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packets (id, proto, direction, collected_at, data)
		VALUES (?, ?, ?, ?, ?)`,
		id, string(pkt.Proto), string(pkt.Direction), pkt.CollectedAt.UTC(), pkt.Data,
	)
	return eris.Wrap(err, "sqlite: insert packet")
}

func (s *SQLiteStore) PacketsInWindow(ctx context.Context, filter PacketFilter) ([]model.Packet, error) {
	query := `
		SELECT id, proto, direction, collected_at, data
		FROM packets
		WHERE proto = ? AND collected_at >= ? AND collected_at <= ?`
	args := []any{string(filter.Proto), filter.From.UTC(), filter.To.UTC()}
	if filter.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(filter.Direction))
	}
	query += ` ORDER BY collected_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: packets in window")
	}
	defer rows.Close()

	var packets []model.Packet
	for rows.Next() {
		var p model.Packet
		if err := rows.Scan(&p.ID, &p.Proto, &p.Direction, &p.CollectedAt, &p.Data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan packet")
		}
		packets = append(packets, p)
	}
	return packets, eris.Wrap(rows.Err(), "sqlite: iterate packets")
}

func (s *SQLiteStore) NewestPacketTime(ctx context.Context, proto model.PacketProto) (time.Time, error) {
	var newest time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT collected_at FROM packets WHERE proto = ? ORDER BY collected_at DESC LIMIT 1`,
		string(proto),
	).Scan(&newest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: newest packet time")
	}
	return newest, nil
}

func (s *SQLiteStore) InsertLocation(ctx context.Context, loc model.QueryLocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, latitude, longitude, horizontal_accuracy, reach, confidence, speed, background, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), loc.Latitude, loc.Longitude, loc.HorizontalAccuracy,
		loc.Reach, loc.Confidence, loc.Speed, boolToInt(loc.Background), loc.CollectedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert location")
}

func (s *SQLiteStore) UserLocationNear(ctx context.Context, at time.Time, within time.Duration) (*model.QueryLocation, error) {
	from := at.Add(-within).UTC()
	to := at.Add(within).UTC()

	var loc model.QueryLocation
	var background int
	err := s.db.QueryRowContext(ctx, `
		SELECT latitude, longitude, horizontal_accuracy, reach, confidence, speed, background, collected_at
		FROM locations
		WHERE collected_at >= ? AND collected_at <= ?
		ORDER BY ABS(strftime('%s', collected_at) - strftime('%s', ?)) ASC
		LIMIT 1`,
		from, to, at.UTC(),
	).Scan(&loc.Latitude, &loc.Longitude, &loc.HorizontalAccuracy, &loc.Reach,
		&loc.Confidence, &loc.Speed, &background, &loc.CollectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: user location near")
	}
	loc.Background = background != 0
	return &loc, nil
}

func (s *SQLiteStore) BulkImportActive(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'bulk_import_active'`,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: bulk import flag")
	}
	return value == "1", nil
}

func (s *SQLiteStore) SetBulkImportActive(ctx context.Context, active bool) error {
	value := "0"
	if active {
		value = "1"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ('bulk_import_active', ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		value,
	)
	return eris.Wrap(err, "sqlite: set bulk import flag")
}

func (s *SQLiteStore) CountsByClassification(ctx context.Context, pipelineID, untrustedCeiling, suspiciousCeiling int) ([]VerdictCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.country,
		       CASE
		           WHEN v.score < ? THEN 'untrusted'
		           WHEN v.score < ? THEN 'suspicious'
		           ELSE 'trusted'
		       END AS class,
		       COUNT(*)
		FROM verifications v
		JOIN cells c ON c.connection_id = v.connection_id
		WHERE v.pipeline_id = ? AND v.terminal = 1
		GROUP BY c.country, class
		ORDER BY c.country, class`,
		untrustedCeiling, suspiciousCeiling, pipelineID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: classification counts")
	}
	defer rows.Close()

	var counts []VerdictCount
	for rows.Next() {
		var vc VerdictCount
		var class string
		if err := rows.Scan(&vc.Country, &class, &vc.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan classification count")
		}
		vc.Classification = model.Classification(class)
		counts = append(counts, vc)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate classification counts")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
