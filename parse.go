package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"ultrastream/work/client"
	"ultrastream/work/config"
	"ultrastream/work/handlers"
	"ultrastream/work/parser"
	"ultrastream/work/relay"
	"ultrastream/work/types"
)

type parseOutput struct {
	Fingerprint string              `json:"fingerprint"`
	Count       int                 `json:"count"`
	Groups      *types.GroupMapping `json:"groups"`
}

func newParseCmd(configPath *string) *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "parse <file|url>",
		Short: "Print the grouped channels of a playlist as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPlaylist(cmd.Context(), config.LoadConfig(*configPath), args[0])
			if err != nil {
				return err
			}

			groups := parser.Search(parser.GroupChannels(parser.Parse(string(raw))), query)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(parseOutput{
				Fingerprint: parser.Fingerprint(raw),
				Count:       groups.Count(),
				Groups:      groups,
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Only keep channels whose name contains this text")
	return cmd
}

// readPlaylist loads a local file, or fetches a URL through an in-process relay
// so the request carries the same browser fingerprint the server uses.
func readPlaylist(ctx context.Context, cfg *config.Config, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.ReadFile(source)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return handlers.FetchPlaylist(ctx, relay.New(cfg, client.NewBrowserClient(cfg)), source)
}
