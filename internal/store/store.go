// Package store is the persistence gateway for the verification engine.
// It owns connection snapshots, captured packets, user locations, imported
// reference cells, and the per-pipeline verification records that make the
// runner resumable across process restarts.
package store

import (
	"context"
	"time"

	"github.com/cellwatch/cellwatch/internal/model"
)

// PacketFilter selects captured packets for the packet-gated stages.
// Direction may be empty to match both directions.
type PacketFilter struct {
	Proto     model.PacketProto
	Direction model.PacketDirection
	From      time.Time
	To        time.Time
}

// Lifespan is the observed start/end window of a connection, derived from
// the observation time of the cell and its successor.
type Lifespan struct {
	Start time.Time
	End   time.Time
}

// VerdictCount is one row of the classification summary.
type VerdictCount struct {
	Country        int32
	Classification model.Classification
	Count          int
}

// Store defines the persistence interface shared by the SQLite and
// Postgres backends.
type Store interface {
	// Verification records. NextVerification creates missing records at
	// stage 0 / score 0, then returns the eligible record with the oldest
	// not-before, or nil when nothing is due. afterPipeline > 0 restricts
	// eligibility to connections whose record for that pipeline is
	// terminal; pass 0 for no dependency.
	NextVerification(ctx context.Context, pipelineID, afterPipeline int) (*model.VerificationTask, error)
	SaveVerification(ctx context.Context, rec model.VerificationRecord) error
	Verification(ctx context.Context, connectionID string, pipelineID int) (*model.VerificationRecord, error)

	// Reference cells. ReferenceCell returns nil on a cache miss.
	ReferenceCell(ctx context.Context, tech model.Technology, country, network, area int32, cell int64) (*model.ALSCell, error)
	ImportReferenceCells(ctx context.Context, cells []model.ALSCell) (int64, error)

	// Connection observations.
	InsertCell(ctx context.Context, cell model.QueryCell) error
	ConnectionLifespan(ctx context.Context, connectionID string) (*Lifespan, error)

	// Packets.
	InsertPacket(ctx context.Context, pkt model.Packet) error
	PacketsInWindow(ctx context.Context, filter PacketFilter) ([]model.Packet, error)
	NewestPacketTime(ctx context.Context, proto model.PacketProto) (time.Time, error)

	// User locations.
	InsertLocation(ctx context.Context, loc model.QueryLocation) error
	UserLocationNear(ctx context.Context, at time.Time, within time.Duration) (*model.QueryLocation, error)

	// Import coordination. While a bulk import is active the runners back
	// off instead of racing half-loaded data.
	BulkImportActive(ctx context.Context) (bool, error)
	SetBulkImportActive(ctx context.Context, active bool) error

	// Reporting.
	CountsByClassification(ctx context.Context, pipelineID, untrustedCeiling, suspiciousCeiling int) ([]VerdictCount, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
