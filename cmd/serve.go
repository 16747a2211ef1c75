package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/model"
	"github.com/cellwatch/cellwatch/internal/operators"
	"github.com/cellwatch/cellwatch/internal/store"
	"github.com/cellwatch/cellwatch/internal/verify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry, err := operators.NewRegistry()
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeMux(st, registry),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// pipelinePointsMax maps pipeline ids to their score ceilings. The stage
// graphs are built without dependencies; only the point totals are read.
var pipelinePointsMax = func() map[int]int {
	primary := verify.NewPrimaryPipeline(nil, nil, model.ModeAnalysis)
	heuristic := verify.NewHeuristicPipeline(nil, nil, nil, nil)
	return map[int]int{
		primary.ID:   primary.PointsMax(),
		heuristic.ID: heuristic.PointsMax(),
	}
}()

func newServeMux(st store.Store, registry *operators.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/v1/connections/{id}/verdict", func(w http.ResponseWriter, req *http.Request) {
		connectionID := chi.URLParam(req, "id")

		type verdict struct {
			PipelineID     int    `json:"pipeline_id"`
			Stage          int    `json:"stage"`
			Score          int    `json:"score"`
			Terminal       bool   `json:"terminal"`
			Classification string `json:"classification,omitempty"`
		}
		var verdicts []verdict

		for _, pipelineID := range []int{verify.PrimaryPipelineID, verify.HeuristicPipelineID} {
			rec, err := st.Verification(req.Context(), connectionID, pipelineID)
			if err != nil {
				zap.L().Error("verdict lookup failed",
					zap.String("connection", connectionID), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
				return
			}
			if rec == nil {
				continue
			}
			v := verdict{
				PipelineID: rec.PipelineID,
				Stage:      rec.Stage,
				Score:      rec.Score,
				Terminal:   rec.Terminal,
			}
			if rec.Terminal {
				v.Classification = string(verify.Classify(rec.Score, pipelinePointsMax[pipelineID]))
			}
			verdicts = append(verdicts, v)
		}

		if len(verdicts) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"connection_id": connectionID,
			"verdicts":      verdicts,
		})
	})

	r.Get("/v1/summary", func(w http.ResponseWriter, req *http.Request) {
		pipelineID := verify.PrimaryPipelineID
		if raw := req.URL.Query().Get("pipeline"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil || pipelinePointsMax[id] == 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown pipeline"})
				return
			}
			pipelineID = id
		}

		untrusted, suspicious := verify.Ceilings(pipelinePointsMax[pipelineID])
		counts, err := st.CountsByClassification(req.Context(), pipelineID, untrusted, suspicious)
		if err != nil {
			zap.L().Error("summary query failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "summary failed"})
			return
		}

		type row struct {
			MCC            int32  `json:"mcc"`
			Country        string `json:"country"`
			Classification string `json:"classification"`
			Count          int    `json:"count"`
		}
		rows := make([]row, 0, len(counts))
		for _, c := range counts {
			name := strconv.Itoa(int(c.Country))
			if iso, ok := registry.CountryForMCC(c.Country); ok {
				name = operators.CountryName(iso)
			}
			rows = append(rows, row{
				MCC:            c.Country,
				Country:        name,
				Classification: string(c.Classification),
				Count:          c.Count,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"pipeline_id": pipelineID,
			"counts":      rows,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
