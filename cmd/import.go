package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cellwatch/cellwatch/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import <cells.json>",
	Short: "Bulk-import reference cells",
	Long:  "Loads a JSON array of reference cells into the cache. Runners back off while the import is active.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}
		var cells []model.ALSCell
		if err := json.Unmarshal(raw, &cells); err != nil {
			return eris.Wrap(err, "parse reference cells")
		}

		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if err := st.SetBulkImportActive(ctx, true); err != nil {
			return err
		}
		defer func() {
			if err := st.SetBulkImportActive(ctx, false); err != nil {
				zap.L().Error("clearing bulk import flag failed", zap.Error(err))
			}
		}()

		imported, err := st.ImportReferenceCells(ctx, cells)
		if err != nil {
			return err
		}

		zap.L().Info("reference cells imported",
			zap.Int("parsed", len(cells)),
			zap.Int64("imported", imported),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
