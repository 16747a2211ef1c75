package verify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/ari"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/qmi"
	"github.com/cellwatch/cellwatch/internal/store"
)

// captureLagDelay is the backoff while a connection's packet window is not
// yet fully captured.
const captureLagDelay = 20 * time.Second

// minARIRejectCount is how many limited-service reject indications must
// appear in the window before the connection is flagged. A single
// indication occurs during normal handovers.
const minARIRejectCount = 2

// packetWindow resolves the connection's lifespan and, in live collection
// mode, checks that capture has caught up to the window end. It returns a
// nil span when the stage should delay.
func packetWindow(ctx context.Context, st store.Store, connectionID string, mode model.CollectionMode) (*store.Lifespan, error) {
	span, err := st.ConnectionLifespan(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if span == nil {
		return nil, nil
	}

	if mode == model.ModeLive {
		for _, proto := range []model.PacketProto{model.ProtoQMI, model.ProtoARI} {
			newest, err := st.NewestPacketTime(ctx, proto)
			if err != nil {
				return nil, err
			}
			if !newest.IsZero() && newest.Before(span.End) {
				return nil, nil
			}
		}
	}
	return span, nil
}

// rejectStage scans the connection's packet window for network reject
// indications. A QMI NAS reject, or repeated ARI limited-service rejects
// with a hostile cause, marks the connection untrusted outright.
type rejectStage struct {
	id        int
	maxPoints int
	store     store.Store
	mode      model.CollectionMode
}

func (s *rejectStage) ID() int               { return s.id }
func (s *rejectStage) Name() string          { return "reject packet check" }
func (s *rejectStage) MaxPoints() int        { return s.maxPoints }
func (s *rejectStage) WaitsForPackets() bool { return true }

func (s *rejectStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	span, err := packetWindow(ctx, s.store, connectionID, s.mode)
	if err != nil {
		return Outcome{}, err
	}
	if span == nil {
		return Delay(captureLagDelay), nil
	}

	var offending []model.RecordRef

	qmiPackets, err := s.store.PacketsInWindow(ctx, store.PacketFilter{
		Proto:     model.ProtoQMI,
		Direction: model.DirIngoing,
		From:      span.Start,
		To:        span.End,
	})
	if err != nil {
		return Outcome{}, err
	}
	for _, pkt := range qmiPackets {
		decoded, err := qmi.Decode(pkt.Data)
		if err != nil {
			// Malformed capture data; skip the packet, not the stage.
			continue
		}
		if qmi.IsNetworkReject(decoded) {
			offending = append(offending, pkt.Ref())
		}
	}

	ariPackets, err := s.store.PacketsInWindow(ctx, store.PacketFilter{
		Proto:     model.ProtoARI,
		Direction: model.DirIngoing,
		From:      span.Start,
		To:        span.End,
	})
	if err != nil {
		return Outcome{}, err
	}
	var ariRejects []model.RecordRef
	for _, pkt := range ariPackets {
		decoded, err := ari.Decode(pkt.Data)
		if err != nil {
			continue
		}
		if info, ok := ari.ExtractRegistrationInfo(decoded); ok && info.LimitedServiceReject() {
			ariRejects = append(ariRejects, pkt.Ref())
		}
	}
	if len(ariRejects) >= minARIRejectCount {
		offending = append(offending, ariRejects...)
	}

	if len(offending) > 0 {
		zap.L().Info("verify: reject packets found",
			zap.String("connection", connectionID),
			zap.Int("count", len(offending)),
		)
		return Fail(offending...), nil
	}
	return Success(), nil
}
