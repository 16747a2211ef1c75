package verify

import (
	"github.com/cellwatch/cellwatch/internal/borders"
	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/pkg/als"
	"github.com/cellwatch/cellwatch/pkg/geocode"
)

// NewPrimaryPipeline builds the technical verification pipeline: reference
// cell comparison, geodetic distance, radio parameters, and baseband packet
// analysis. Total 100 points.
func NewPrimaryPipeline(st store.Store, client als.Client, mode model.CollectionMode) *Pipeline {
	return NewPipeline(PrimaryPipelineID, "primary", 0, []Stage{
		&noConnectionGuard{id: 1},
		&referenceLookupStage{id: 2, maxPoints: 20, store: st, client: client},
		&distanceStage{id: 3, maxPoints: 20, store: st},
		&frequencyStage{id: 4, maxPoints: 8, store: st},
		&bandwidthStage{id: 5, maxPoints: 2},
		&rejectStage{id: 6, maxPoints: 30, store: st, mode: mode},
		&signalStage{id: 7, maxPoints: 20, store: st, mode: mode},
	})
}

// NewHeuristicPipeline builds the geofencing pipeline, chained behind the
// primary: technology-vs-country plausibility and operator consistency.
// Total 100 points.
func NewHeuristicPipeline(st store.Store, geocoder geocode.Reverser, reg *operators.Registry, dataset *borders.Dataset) *Pipeline {
	return NewPipeline(HeuristicPipelineID, "heuristic", PrimaryPipelineID, []Stage{
		&noConnectionGuard{id: 1},
		newForbidden3GStage(2, 30, st, geocoder),
		newForbidden2GStage(3, 30, st, geocoder),
		newMCCConsistencyStage(4, 15, st, geocoder, reg),
		newMNCConsistencyStage(5, 10, st, geocoder, reg),
		&borderStage{id: 6, maxPoints: 15, store: st, geocoder: geocoder, registry: reg, dataset: dataset},
	})
}
