package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/pkg/als"
)

// remoteFailureDelay is how long a stage backs off when an external
// service fails or rate limits. The pipeline must never block on a remote
// outage; it reschedules and retries.
const remoteFailureDelay = 60 * time.Second

// referenceLookupStage resolves the connection's cell against the local
// reference cache, falling back to the remote location service on a miss.
type referenceLookupStage struct {
	id        int
	maxPoints int
	store     store.Store
	client    als.Client
}

func (s *referenceLookupStage) ID() int               { return s.id }
func (s *referenceLookupStage) Name() string          { return "reference cell lookup" }
func (s *referenceLookupStage) MaxPoints() int        { return s.maxPoints }
func (s *referenceLookupStage) WaitsForPackets() bool { return false }

func (s *referenceLookupStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	ref, err := s.store.ReferenceCell(ctx, cell.Technology, cell.Country, cell.Network, cell.Area, cell.Cell)
	if err != nil {
		return Outcome{}, err
	}
	if ref != nil {
		return Success(referenceRef(*ref)), nil
	}

	candidates, err := s.client.NearbyCells(ctx, cell)
	if err != nil {
		zap.L().Warn("verify: location service query failed",
			zap.String("connection", connectionID), zap.Error(err))
		return Delay(remoteFailureDelay), nil
	}

	precise := candidates[:0]
	for _, c := range candidates {
		if c.Precise() {
			precise = append(precise, c)
		}
	}
	if len(precise) == 0 {
		return Fail(), nil
	}

	if _, err := s.store.ImportReferenceCells(ctx, precise); err != nil {
		return Outcome{}, err
	}

	ref, err = s.store.ReferenceCell(ctx, cell.Technology, cell.Country, cell.Network, cell.Area, cell.Cell)
	if err != nil {
		return Outcome{}, err
	}
	if ref == nil {
		// The remote query promised a usable record; a second miss means
		// the cache and the import disagree.
		return Outcome{}, eris.Errorf("verify: reference cell for %s missing after import", connectionID)
	}
	return Success(referenceRef(*ref)), nil
}

func referenceRef(c model.ALSCell) model.RecordRef {
	return model.RecordRef{
		Kind: "reference_cell",
		ID:   fmt.Sprintf("%s/%d/%d/%d/%d", c.Technology, c.Country, c.Network, c.Area, c.Cell),
	}
}
