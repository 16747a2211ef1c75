package verify

import (
	"context"

	"github.com/cellwatch/cellwatch/internal/model"
)

// Stage is one verification step in a pipeline.
type Stage interface {
	// ID is a small integer unique within the pipeline.
	ID() int
	// Name describes the stage for logs and records.
	Name() string
	// MaxPoints is the largest score this stage can award.
	MaxPoints() int
	// WaitsForPackets reports whether the stage gates on packet capture
	// having caught up with the connection's lifespan.
	WaitsForPackets() bool
	// Verify runs the stage for one connection. It may block on network
	// or persistence I/O; a returned error aborts the current attempt
	// without committing partial progress.
	Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error)
}
