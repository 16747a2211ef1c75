package verify

import (
	"context"

	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/ari"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/qmi"
	"github.com/cellwatch/cellwatch/internal/store"
)

// Averaged-metric thresholds above which a connection's signal is
// suspiciously strong. A rogue base station parks next to its target and
// overpowers the real network, so a sustained noise-free, high-power
// signal is itself an indicator.
const (
	gsmRSSIThreshold = -50 // dBm

	lteRSSIThreshold = -70  // dBm
	lteRSRQThreshold = -4   // dB
	lteRSRPThreshold = -100 // dBm
	lteSNRThreshold  = 200  // dB x10

	nrRSRPThreshold = -100 // dBm
	nrRSRQThreshold = -4   // dB
	nrSNRThreshold  = 200  // dB x10

	ariStrengthThreshold = 0.9 // normalized
	ariQualityThreshold  = 0.9 // normalized
)

// signalStage averages the signal metrics reported during the connection's
// packet window and fails the connection when they are implausibly strong.
type signalStage struct {
	id        int
	maxPoints int
	store     store.Store
	mode      model.CollectionMode
}

func (s *signalStage) ID() int               { return s.id }
func (s *signalStage) Name() string          { return "signal strength check" }
func (s *signalStage) MaxPoints() int        { return s.maxPoints }
func (s *signalStage) WaitsForPackets() bool { return true }

// meanAcc accumulates one metric.
type meanAcc struct {
	sum float64
	n   int
}

func (m *meanAcc) add(v *float64) {
	if v != nil {
		m.sum += *v
		m.n++
	}
}

func (m *meanAcc) addVal(v float64) {
	m.sum += v
	m.n++
}

// exceeds reports whether the mean is at or above the threshold; an empty
// accumulator never exceeds.
func (m *meanAcc) exceeds(threshold float64) bool {
	return m.n > 0 && m.sum/float64(m.n) >= threshold
}

func (s *signalStage) Verify(ctx context.Context, cell model.QueryCell, connectionID string) (Outcome, error) {
	span, err := packetWindow(ctx, s.store, connectionID, s.mode)
	if err != nil {
		return Outcome{}, err
	}
	if span == nil {
		return Delay(captureLagDelay), nil
	}

	var gsmRSSI, lteRSSI, lteRSRQ, lteRSRP, lteSNR, nrRSRP, nrRSRQ, nrSNR meanAcc

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
			continue
		}
		info, ok := qmi.ExtractSignalInfo(decoded)
		if !ok {
			continue
		}
		gsmRSSI.add(info.GSMRSSI)
		lteRSSI.add(info.LTERSSI)
		lteRSRQ.add(info.LTERSRQ)
		lteRSRP.add(info.LTERSRP)
		lteSNR.add(info.LTESNR)
		nrRSRP.add(info.NRRSRP)
		nrRSRQ.add(info.NRRSRQ)
		nrSNR.add(info.NRSNR)
	}

	var ariStrength, ariQuality meanAcc
	ariPackets, err := s.store.PacketsInWindow(ctx, store.PacketFilter{
		Proto:     model.ProtoARI,
		Direction: model.DirIngoing,
		From:      span.Start,
		To:        span.End,
	})
	if err != nil {
		return Outcome{}, err
	}
	for _, pkt := range ariPackets {
		decoded, err := ari.Decode(pkt.Data)
		if err != nil {
			continue
		}
		if sq, ok := ari.ExtractSignalQuality(decoded); ok {
			ariStrength.addVal(sq.Strength)
			ariQuality.addVal(sq.Quality)
		}
	}

	suspicious := gsmRSSI.exceeds(gsmRSSIThreshold) ||
		(lteRSSI.exceeds(lteRSSIThreshold) && lteRSRQ.exceeds(lteRSRQThreshold) &&
			lteRSRP.exceeds(lteRSRPThreshold) && lteSNR.exceeds(lteSNRThreshold)) ||
		(nrRSRP.exceeds(nrRSRPThreshold) && nrRSRQ.exceeds(nrRSRQThreshold) &&
			nrSNR.exceeds(nrSNRThreshold)) ||
		(ariStrength.exceeds(ariStrengthThreshold) && ariQuality.exceeds(ariQualityThreshold))

	if suspicious {
		zap.L().Info("verify: suspiciously strong signal",
			zap.String("connection", connectionID),
		)
		return Fail(), nil
	}
	return Success(), nil
}
