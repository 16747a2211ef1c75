package main

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/cellwatch/cellwatch/internal/ari"
	"github.com/cellwatch/cellwatch/internal/qmi"
)

var decodeProto string

var decodeCmd = &cobra.Command{
	Use:   "decode [hex]",
	Short: "Decode a captured baseband packet",
	Long:  "Decodes a hex-encoded QMI or ARI packet to JSON. Reads from stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var input string
		if len(args) == 1 {
			input = args[0]
		} else {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return eris.Wrap(err, "read stdin")
			}
			input = string(raw)
		}

		data, err := hex.DecodeString(strings.TrimSpace(strings.ReplaceAll(input, " ", "")))
		if err != nil {
			return eris.Wrap(err, "decode hex input")
		}

		decoded, proto, err := decodePacket(decodeProto, data)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]any{
			"proto":  proto,
			"packet": decoded,
		}, "", "  ")
		if err != nil {
			return eris.Wrap(err, "marshal packet")
		}
		cmd.Println(string(out))
		return nil
	},
}

// decodePacket decodes data as the named protocol, or tries both when
// proto is auto.
func decodePacket(proto string, data []byte) (any, string, error) {
	switch proto {
	case "qmi":
		p, err := qmi.Decode(data)
		return p, "qmi", err
	case "ari":
		p, err := ari.Decode(data)
		return p, "ari", err
	case "auto":
		if p, err := qmi.Decode(data); err == nil {
			return p, "qmi", nil
		}
		p, err := ari.Decode(data)
		if err != nil {
			return nil, "", eris.Wrap(err, "packet matches neither qmi nor ari")
		}
		return p, "ari", nil
	default:
		return nil, "", eris.Errorf("unknown protocol %q", proto)
	}
}

func init() {
	decodeCmd.Flags().StringVar(&decodeProto, "proto", "auto", "packet protocol: qmi, ari, or auto")
	rootCmd.AddCommand(decodeCmd)
}
