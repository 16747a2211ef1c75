package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/cellwatch/cellwatch/internal/db"
	"github.com/cellwatch/cellwatch/internal/model"
)

// PostgresStore implements Store using pgxpool. It serves server-side
// deployments where captures from many devices are analyzed centrally.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of the verification loop.
var preparedStatements = map[string]string{
	"save_verification": `
		INSERT INTO verifications (connection_id, pipeline_id, stage, score, terminal, not_before, logs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connection_id, pipeline_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			score = EXCLUDED.score,
			terminal = EXCLUDED.terminal,
			not_before = EXCLUDED.not_before,
			logs = EXCLUDED.logs,
			updated_at = EXCLUDED.updated_at`,
	"reference_cell": `
		SELECT technology, country, network, area, cell, frequency, physical_cell,
		       latitude, longitude, accuracy, reach, imported_at
		FROM als_cells
		WHERE technology = $1 AND country = $2 AND network = $3 AND area = $4 AND cell = $5`,
	"newest_packet_time": `
		SELECT collected_at FROM packets WHERE proto = $1 ORDER BY collected_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cells (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	connection_id TEXT NOT NULL UNIQUE,
	technology    TEXT NOT NULL,
	country       INTEGER NOT NULL,
	network       INTEGER NOT NULL,
	area          INTEGER NOT NULL,
	cell          BIGINT NOT NULL,
	frequency     INTEGER NOT NULL DEFAULT 0,
	physical_cell INTEGER NOT NULL DEFAULT 0,
	bandwidth     INTEGER NOT NULL DEFAULT 0,
	collected_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
	connection_id TEXT NOT NULL,
	pipeline_id   INTEGER NOT NULL,
	stage         INTEGER NOT NULL DEFAULT 0,
	score         INTEGER NOT NULL DEFAULT 0,
	terminal      BOOLEAN NOT NULL DEFAULT false,
	not_before    TIMESTAMPTZ,
	logs          JSONB,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (connection_id, pipeline_id)
);

CREATE TABLE IF NOT EXISTS als_cells (
	technology    TEXT NOT NULL,
	country       INTEGER NOT NULL,
	network       INTEGER NOT NULL,
	area          INTEGER NOT NULL,
	cell          BIGINT NOT NULL,
	frequency     INTEGER NOT NULL DEFAULT 0,
	physical_cell INTEGER NOT NULL DEFAULT 0,
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	accuracy      DOUBLE PRECISION,
	reach         DOUBLE PRECISION,
	imported_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (technology, country, network, area, cell)
);

CREATE TABLE IF NOT EXISTS packets (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	proto        TEXT NOT NULL,
	direction    TEXT NOT NULL,
	collected_at TIMESTAMPTZ NOT NULL,
	data         BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS locations (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	latitude            DOUBLE PRECISION NOT NULL,
	longitude           DOUBLE PRECISION NOT NULL,
	horizontal_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
	reach               DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
	speed               DOUBLE PRECISION NOT NULL DEFAULT 0,
	background          BOOLEAN NOT NULL DEFAULT false,
	collected_at        TIMESTAMPTZ NOT NULL
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) NextVerification(ctx context.Context, pipelineID, afterPipeline int) (*model.VerificationTask, error) {
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO verifications (connection_id, pipeline_id, stage, score, terminal, updated_at)
		SELECT connection_id, $1, 0, 0, false, $2 FROM cells
		ON CONFLICT (connection_id, pipeline_id) DO NOTHING`,
		pipelineID, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: register verifications")
	}

	query := `
		SELECT c.connection_id, c.technology, c.country, c.network, c.area, c.cell,
		       c.frequency, c.physical_cell, c.bandwidth, c.collected_at,
		       v.stage, v.score
		FROM verifications v
		JOIN cells c ON c.connection_id = v.connection_id
		WHERE v.pipeline_id = $1
		  AND NOT v.terminal
		  AND (v.not_before IS NULL OR v.not_before <= $2)`
	args := []any{pipelineID, now}
	if afterPipeline > 0 {
		query += `
		  AND EXISTS (
			SELECT 1 FROM verifications p
			WHERE p.connection_id = v.connection_id AND p.pipeline_id = $3 AND p.terminal
		  )`
		args = append(args, afterPipeline)
	}
	query += `
		ORDER BY COALESCE(v.not_before, c.collected_at) ASC
		LIMIT 1`

	var task model.VerificationTask
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&task.Cell.ConnectionID, &task.Cell.Technology, &task.Cell.Country,
		&task.Cell.Network, &task.Cell.Area, &task.Cell.Cell,
		&task.Cell.Frequency, &task.Cell.PhysicalCell, &task.Cell.Bandwidth,
		&task.Cell.CollectedAt, &task.Stage, &task.Score,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: next verification")
	}
	return &task, nil
}

func (s *PostgresStore) SaveVerification(ctx context.Context, rec model.VerificationRecord) error {
	logsJSON, err := json.Marshal(rec.Logs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage logs")
	}

	_, err = s.pool.Exec(ctx, "save_verification",
		rec.ConnectionID, rec.PipelineID, rec.Stage, rec.Score, rec.Terminal,
		rec.NotBefore, logsJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save verification %s/%d", rec.ConnectionID, rec.PipelineID)
}

func (s *PostgresStore) Verification(ctx context.Context, connectionID string, pipelineID int) (*model.VerificationRecord, error) {
	var rec model.VerificationRecord
	var logsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT connection_id, pipeline_id, stage, score, terminal, not_before, logs, updated_at
		FROM verifications
		WHERE connection_id = $1 AND pipeline_id = $2`,
		connectionID, pipelineID,
	).Scan(&rec.ConnectionID, &rec.PipelineID, &rec.Stage, &rec.Score, &rec.Terminal,
		&rec.NotBefore, &logsJSON, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get verification %s/%d", connectionID, pipelineID)
	}

	if len(logsJSON) > 0 {
		if err := json.Unmarshal(logsJSON, &rec.Logs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal stage logs")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) ReferenceCell(ctx context.Context, tech model.Technology, country, network, area int32, cell int64) (*model.ALSCell, error) {
	var ref model.ALSCell
	var lat, lon, accuracy, reach *float64

	err := s.pool.QueryRow(ctx, "reference_cell",
		string(tech), country, network, area, cell,
	).Scan(&ref.Technology, &ref.Country, &ref.Network, &ref.Area, &ref.Cell,
		&ref.Frequency, &ref.PhysicalCell, &lat, &lon, &accuracy, &reach, &ref.ImportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reference cell lookup")
	}

	if lat != nil && lon != nil {
		loc := &model.QueryLocation{
			Latitude:    *lat,
			Longitude:   *lon,
			CollectedAt: ref.ImportedAt,
		}
		if accuracy != nil {
			loc.HorizontalAccuracy = *accuracy
		}
		if reach != nil {
			loc.Reach = *reach
		}
		ref.Location = loc
	}
	return &ref, nil
}

// ImportReferenceCells loads reference cells with a COPY-backed upsert.
func (s *PostgresStore) ImportReferenceCells(ctx context.Context, cells []model.ALSCell) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(cells))
	for _, c := range cells {
		var lat, lon, accuracy, reach *float64
		if c.Location != nil {
			lat, lon = &c.Location.Latitude, &c.Location.Longitude
			accuracy, reach = &c.Location.HorizontalAccuracy, &c.Location.Reach
		}
		rows = append(rows, []any{
			string(c.Technology), c.Country, c.Network, c.Area, c.Cell,
			c.Frequency, c.PhysicalCell, lat, lon, accuracy, reach, c.ImportedAt.UTC(),
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "als_cells",
		Columns:      []string{"technology", "country", "network", "area", "cell", "frequency", "physical_cell", "latitude", "longitude", "accuracy", "reach", "imported_at"},
		ConflictKeys: []string{"technology", "country", "network", "area", "cell"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import reference cells")
	}
	return n, nil
}

func (s *PostgresStore) InsertCell(ctx context.Context, cell model.QueryCell) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cells (id, connection_id, technology, country, network, area, cell,
		                   frequency, physical_cell, bandwidth, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.New().String(), cell.ConnectionID, string(cell.Technology), cell.Country,
		cell.Network, cell.Area, cell.Cell, cell.Frequency, cell.PhysicalCell,
		cell.Bandwidth, cell.CollectedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert cell %s", cell.ConnectionID)
}

func (s *PostgresStore) ConnectionLifespan(ctx context.Context, connectionID string) (*Lifespan, error) {
	var start time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT collected_at FROM cells WHERE connection_id = $1`, connectionID,
	).Scan(&start)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lifespan start %s", connectionID)
	}

	var end time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT collected_at FROM cells WHERE collected_at > $1 ORDER BY collected_at ASC LIMIT 1`, start,
	).Scan(&end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lifespan end %s", connectionID)
	}

	return &Lifespan{Start: start, End: end}, nil
}

func (s *PostgresStore) InsertPacket(ctx context.Context, pkt model.Packet) error {
	id := pkt.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packets (id, proto, direction, collected_at, data)
		VALUES ($1, $2, $3, $4, $5)`,
		id, string(pkt.Proto), string(pkt.Direction), pkt.CollectedAt.UTC(), pkt.Data,
	)
	return eris.Wrap(err, "postgres: insert packet")
}

func (s *PostgresStore) PacketsInWindow(ctx context.Context, filter PacketFilter) ([]model.Packet, error) {
	query := `
		SELECT id, proto, direction, collected_at, data
		FROM packets
		WHERE proto = $1 AND collected_at >= $2 AND collected_at <= $3`
	args := []any{string(filter.Proto), filter.From.UTC(), filter.To.UTC()}
	if filter.Direction != "" {
		query += ` AND direction = $4`
		args = append(args, string(filter.Direction))
	}
	query += ` ORDER BY collected_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: packets in window")
	}
	defer rows.Close()

	var packets []model.Packet
	for rows.Next() {
		var p model.Packet
		if err := rows.Scan(&p.ID, &p.Proto, &p.Direction, &p.CollectedAt, &p.Data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan packet")
		}
		packets = append(packets, p)
	}
	return packets, eris.Wrap(rows.Err(), "postgres: iterate packets")
}

func (s *PostgresStore) NewestPacketTime(ctx context.Context, proto model.PacketProto) (time.Time, error) {
	var newest time.Time
	err := s.pool.QueryRow(ctx, "newest_packet_time", string(proto)).Scan(&newest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: newest packet time")
	}
	return newest, nil
}

func (s *PostgresStore) InsertLocation(ctx context.Context, loc model.QueryLocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (id, latitude, longitude, horizontal_accuracy, reach, confidence, speed, background, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), loc.Latitude, loc.Longitude, loc.HorizontalAccuracy,
		loc.Reach, loc.Confidence, loc.Speed, loc.Background, loc.CollectedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert location")
}

func (s *PostgresStore) UserLocationNear(ctx context.Context, at time.Time, within time.Duration) (*model.QueryLocation, error) {
	from := at.Add(-within).UTC()
	to := at.Add(within).UTC()

	var loc model.QueryLocation
	err := s.pool.QueryRow(ctx, `
		SELECT latitude, longitude, horizontal_accuracy, reach, confidence, speed, background, collected_at
		FROM locations
		WHERE collected_at >= $1 AND collected_at <= $2
		ORDER BY ABS(EXTRACT(EPOCH FROM collected_at - $3::timestamptz)) ASC
		LIMIT 1`,
		from, to, at.UTC(),
	).Scan(&loc.Latitude, &loc.Longitude, &loc.HorizontalAccuracy, &loc.Reach,
		&loc.Confidence, &loc.Speed, &loc.Background, &loc.CollectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: user location near")
	}
	return &loc, nil
}

func (s *PostgresStore) BulkImportActive(ctx context.Context) (bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = 'bulk_import_active'`,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: bulk import flag")
	}
	return value == "1", nil
}

func (s *PostgresStore) SetBulkImportActive(ctx context.Context, active bool) error {
	value := "0"
	if active {
		value = "1"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ('bulk_import_active', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		value,
	)
	return eris.Wrap(err, "postgres: set bulk import flag")
}

func (s *PostgresStore) CountsByClassification(ctx context.Context, pipelineID, untrustedCeiling, suspiciousCeiling int) ([]VerdictCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.country,
		       CASE
		           WHEN v.score < $1 THEN 'untrusted'
		           WHEN v.score < $2 THEN 'suspicious'
		           ELSE 'trusted'
		       END AS class,
		       COUNT(*)
		FROM verifications v
		JOIN cells c ON c.connection_id = v.connection_id
		WHERE v.pipeline_id = $3 AND v.terminal
		GROUP BY c.country, class
		ORDER BY c.country, class`,
		untrustedCeiling, suspiciousCeiling, pipelineID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: classification counts")
	}
	defer rows.Close()

	var counts []VerdictCount
	for rows.Next() {
		var vc VerdictCount
		var class string
		if err := rows.Scan(&vc.Country, &class, &vc.Count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan classification count")
		}
		vc.Classification = model.Classification(class)
		counts = append(counts, vc)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate classification counts")
}
