package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellwatch/cellwatch/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testCell(connectionID string, collectedAt time.Time) model.QueryCell {
	return model.QueryCell{
		ConnectionID: connectionID,
		Technology:   model.TechLTE,
		Country:      262,
		Network:      2,
		Area:         4711,
		Cell:         1234567,
		Frequency:    6300,
		PhysicalCell: 101,
		Bandwidth:    75,
		CollectedAt:  collectedAt,
	}
}

// --- Verification records ---

func TestSQLite_NextVerification_CreatesAtStageZero(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", time.Now().UTC().Add(-time.Minute))))

	task, err := st.NextVerification(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "conn-1", task.Cell.ConnectionID)
	assert.Equal(t, 0, task.Stage)
	assert.Equal(t, 0, task.Score)
	assert.Equal(t, model.TechLTE, task.Cell.Technology)
	assert.Equal(t, int64(1234567), task.Cell.Cell)
}

func TestSQLite_NextVerification_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	task, err := st.NextVerification(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestSQLite_NextVerification_SkipsTerminal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", time.Now().UTC())))
	require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: "conn-1", PipelineID: 1, Stage: 7, Score: 80, Terminal: true,
	}))

	task, err := st.NextVerification(ctx, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestSQLite_NextVerification_HonorsNotBefore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", time.Now().UTC())))
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: "conn-1", PipelineID: 1, Stage: 2, Score: 10, NotBefore: &future,
	}))

	task, err := st.NextVerification(ctx, 1, 0)
	require.NoError(t, err)
	assert.Nil(t, task)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: "conn-1", PipelineID: 1, Stage: 2, Score: 10, NotBefore: &past,
	}))

	task, err = st.NextVerification(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 2, task.Stage)
	assert.Equal(t, 10, task.Score)
}

func TestSQLite_NextVerification_ResumesPersistedState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", time.Now().UTC().Add(-time.Minute))))
	require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: "conn-1", PipelineID: 1, Stage: 3, Score: 41,
	}))

	task, err := st.NextVerification(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 3, task.Stage)
	assert.Equal(t, 41, task.Score)
}

func TestSQLite_NextVerification_DependentPipelineWaitsForTerminal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", time.Now().UTC())))

	// Primary not terminal yet, so the dependent pipeline sees nothing.
	task, err := st.NextVerification(ctx, 2, 1)
	require.NoError(t, err)
	assert.Nil(t, task)

	require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: "conn-1", PipelineID: 1, Stage: 7, Score: 100, Terminal: true,
	}))

	task, err = st.NextVerification(ctx, 2, 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "conn-1", task.Cell.ConnectionID)
}

func TestSQLite_NextVerification_OldestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.InsertCell(ctx, testCell("conn-new", now.Add(-time.Minute))))
	require.NoError(t, st.InsertCell(ctx, testCell("conn-old", now.Add(-time.Hour))))

	task, err := st.NextVerification(ctx, 1, 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "conn-old", task.Cell.ConnectionID)
}

func TestSQLite_SaveVerification_RoundTripsLogs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", time.Now().UTC())))

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
		ConnectionID: "conn-1",
		PipelineID:   1,
		Stage:        2,
		Score:        20,
		Logs: []model.StageLog{
			{StageID: 1, Awarded: 20, Possible: 20, StartedAt: started, DurationMS: 12,
				Related: []model.RecordRef{{Kind: "packet", ID: "pkt-1"}}},
		},
	}))

	rec, err := st.Verification(ctx, "conn-1", 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Stage)
	assert.Equal(t, 20, rec.Score)
	assert.False(t, rec.Terminal)
	require.Len(t, rec.Logs, 1)
	assert.Equal(t, 1, rec.Logs[0].StageID)
	require.Len(t, rec.Logs[0].Related, 1)
	assert.Equal(t, "pkt-1", rec.Logs[0].Related[0].ID)
}

func TestSQLite_Verification_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec, err := st.Verification(context.Background(), "nonexistent", 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// --- Reference cells ---

func TestSQLite_ReferenceCell_MissAndImport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ref, err := st.ReferenceCell(ctx, model.TechLTE, 262, 2, 4711, 1234567)
	require.NoError(t, err)
	assert.Nil(t, ref)

	n, err := st.ImportReferenceCells(ctx, []model.ALSCell{
		{
			Technology: model.TechLTE, Country: 262, Network: 2, Area: 4711, Cell: 1234567,
			Frequency: 6300, PhysicalCell: 101,
			Location:   &model.QueryLocation{Latitude: 52.52, Longitude: 13.405, HorizontalAccuracy: 50, Reach: 2000},
			ImportedAt: time.Now().UTC(),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ref, err = st.ReferenceCell(ctx, model.TechLTE, 262, 2, 4711, 1234567)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, int32(6300), ref.Frequency)
	require.NotNil(t, ref.Location)
	assert.InDelta(t, 52.52, ref.Location.Latitude, 1e-9)
}

func TestSQLite_ImportReferenceCells_UpsertsOnConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cell := model.ALSCell{
		Technology: model.TechGSM, Country: 238, Network: 1, Area: 7, Cell: 42,
		ImportedAt: time.Now().UTC(),
	}
	_, err := st.ImportReferenceCells(ctx, []model.ALSCell{cell})
	require.NoError(t, err)

	cell.Frequency = 900
	_, err = st.ImportReferenceCells(ctx, []model.ALSCell{cell})
	require.NoError(t, err)

	ref, err := st.ReferenceCell(ctx, model.TechGSM, 238, 1, 7, 42)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, int32(900), ref.Frequency)
	assert.Nil(t, ref.Location)
}

// --- Lifespan ---

func TestSQLite_ConnectionLifespan(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(10 * time.Minute)
	require.NoError(t, st.InsertCell(ctx, testCell("conn-1", start)))

	// Open window while no successor exists.
	span, err := st.ConnectionLifespan(ctx, "conn-1")
	require.NoError(t, err)
	assert.Nil(t, span)

	require.NoError(t, st.InsertCell(ctx, testCell("conn-2", end)))

	span, err = st.ConnectionLifespan(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, span)
	assert.WithinDuration(t, start, span.Start, time.Second)
	assert.WithinDuration(t, end, span.End, time.Second)
}

// --- Packets ---

func TestSQLite_PacketsInWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	packets := []model.Packet{
		{ID: "pkt-1", Proto: model.ProtoQMI, Direction: model.DirIngoing, CollectedAt: base.Add(time.Minute), Data: []byte{0x01}},
		{ID: "pkt-2", Proto: model.ProtoQMI, Direction: model.DirOutgoing, CollectedAt: base.Add(2 * time.Minute), Data: []byte{0x01}},
		{ID: "pkt-3", Proto: model.ProtoARI, Direction: model.DirIngoing, CollectedAt: base.Add(3 * time.Minute), Data: []byte{0xAB}},
		{ID: "pkt-4", Proto: model.ProtoQMI, Direction: model.DirIngoing, CollectedAt: base.Add(2 * time.Hour), Data: []byte{0x01}},
	}
	for _, p := range packets {
		require.NoError(t, st.InsertPacket(ctx, p))
	}

	got, err := st.PacketsInWindow(ctx, PacketFilter{
		Proto:     model.ProtoQMI,
		Direction: model.DirIngoing,
		From:      base,
		To:        base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pkt-1", got[0].ID)

	// Direction unset matches both.
	got, err = st.PacketsInWindow(ctx, PacketFilter{
		Proto: model.ProtoQMI,
		From:  base,
		To:    base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLite_NewestPacketTime(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	newest, err := st.NewestPacketTime(ctx, model.ProtoARI)
	require.NoError(t, err)
	assert.True(t, newest.IsZero())

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.InsertPacket(ctx, model.Packet{
		ID: "pkt-1", Proto: model.ProtoARI, Direction: model.DirIngoing, CollectedAt: at, Data: []byte{0xAB},
	}))

	newest, err = st.NewestPacketTime(ctx, model.ProtoARI)
	require.NoError(t, err)
	assert.WithinDuration(t, at, newest, time.Second)
}

// --- Locations ---

func TestSQLite_UserLocationNear(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.InsertLocation(ctx, model.QueryLocation{
		Latitude: 52.5, Longitude: 13.4, HorizontalAccuracy: 10, CollectedAt: at.Add(-30 * time.Second),
	}))
	require.NoError(t, st.InsertLocation(ctx, model.QueryLocation{
		Latitude: 48.1, Longitude: 11.6, HorizontalAccuracy: 25, CollectedAt: at.Add(20 * time.Minute),
	}))

	loc, err := st.UserLocationNear(ctx, at, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.InDelta(t, 52.5, loc.Latitude, 1e-9)

	loc, err = st.UserLocationNear(ctx, at.Add(-2*time.Hour), 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, loc)
}

// --- Import coordination ---

func TestSQLite_BulkImportFlag(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	active, err := st.BulkImportActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, st.SetBulkImportActive(ctx, true))
	active, err = st.BulkImportActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, st.SetBulkImportActive(ctx, false))
	active, err = st.BulkImportActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

// --- Reporting ---

func TestSQLite_CountsByClassification(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, tc := range []struct {
		conn  string
		score int
	}{
		{"conn-untrusted", 30},
		{"conn-suspicious", 80},
		{"conn-trusted", 100},
		{"conn-open", 10}, // not terminal, excluded
	} {
		require.NoError(t, st.InsertCell(ctx, testCell(tc.conn, now.Add(time.Duration(i)*time.Minute))))
		require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
			ConnectionID: tc.conn, PipelineID: 1, Stage: 7, Score: tc.score,
			Terminal: tc.conn != "conn-open",
		}))
	}

	counts, err := st.CountsByClassification(ctx, 1, 50, 95)
	require.NoError(t, err)

	byClass := map[model.Classification]int{}
	for _, vc := range counts {
		assert.Equal(t, int32(262), vc.Country)
		byClass[vc.Classification] += vc.Count
	}
	assert.Equal(t, 1, byClass[model.ClassUntrusted])
	assert.Equal(t, 1, byClass[model.ClassSuspicious])
	assert.Equal(t, 1, byClass[model.ClassTrusted])
}

// Scores exactly on a ceiling belong to the bucket above it, same as Classify.
func TestSQLite_CountsByClassification_CeilingScores(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, tc := range []struct {
		conn  string
		score int
	}{
		{"conn-at-untrusted", 50},
		{"conn-at-suspicious", 95},
	} {
		require.NoError(t, st.InsertCell(ctx, testCell(tc.conn, now.Add(time.Duration(i)*time.Minute))))
		require.NoError(t, st.SaveVerification(ctx, model.VerificationRecord{
			ConnectionID: tc.conn, PipelineID: 1, Stage: 7, Score: tc.score, Terminal: true,
		}))
	}

	counts, err := st.CountsByClassification(ctx, 1, 50, 95)
	require.NoError(t, err)

	byClass := map[model.Classification]int{}
	for _, vc := range counts {
		byClass[vc.Classification] += vc.Count
	}
	assert.Equal(t, 0, byClass[model.ClassUntrusted])
	assert.Equal(t, 1, byClass[model.ClassSuspicious])
	assert.Equal(t, 1, byClass[model.ClassTrusted])
}
