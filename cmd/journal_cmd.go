package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

func journalCmd() *cobra.Command {
	var jsonOutput bool
	var limit int
	cmd := &cobra.Command{
		Use:   "journal [channel-id]",
		Short: "Show recent status transitions",
		Long:  "Without a channel id, shows transitions across all channels, newest first.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}

			path := "/v1/journal"
			if len(args) == 1 {
				path = "/v1/channels/" + url.PathEscape(args[0]) + "/journal"
			}
			path += "?limit=" + strconv.Itoa(limit)

			var body struct {
				Entries []protocol.JournalEntry `json:"entries"`
			}
			if err := c.get(path, &body); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(body.Entries)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "AT\tCHANNEL\tFROM\tTO\tCAUSE\n")
			for _, e := range body.Entries {
				cause := e.Cause
				if cause == "" {
					cause = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.At.Local().Format("2006-01-02 15:04:05"), e.ChannelID, e.From, e.To, cause)
			}
			tw.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to fetch")
	return cmd
}
