package cmd

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage bridge channels on a running daemon",
	}
	cmd.AddCommand(
		channelsListCmd(),
		channelsCreateCmd(),
		channelsRegenerateCmd(),
		channelsCloseCmd(),
		channelsStatusCmd(),
		channelsHealthCmd(),
		channelsSendCmd(),
		channelsCheckCmd(),
	)
	return cmd
}

func channelsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels and their connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var list protocol.ChannelList
			if err := c.get("/v1/channels", &list); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(list)
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "CHANNEL\tSTATUS\tATTEMPTS\tLAST SEEN\n")
			for _, ch := range list.Channels {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ch.ChannelID, ch.Status, ch.Attempts, fmtTime(ch.LastSeen))
			}
			tw.Flush()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func channelsCreateCmd() *cobra.Command {
	var jsonOutput bool
	var qrOut string
	cmd := &cobra.Command{
		Use:   "create <channel-id>",
		Short: "Register a channel and start pairing",
		Long: `Registers a new channel and waits briefly for a pairing code. Scan the
code with the phone's linked-devices screen to finish pairing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var info protocol.ChannelInfo
			if err := c.post("/v1/channels", protocol.CreateChannelRequest{ChannelID: args[0]}, &info); err != nil {
				return err
			}
			return reportPairing(info, jsonOutput, qrOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&qrOut, "qr-out", "", "write the pairing QR image to this PNG file")
	return cmd
}

func channelsRegenerateCmd() *cobra.Command {
	var jsonOutput bool
	var qrOut string
	cmd := &cobra.Command{
		Use:   "regenerate <channel-id>",
		Short: "Discard the channel's pairing and request a fresh code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var info protocol.ChannelInfo
			if err := c.post("/v1/channels/"+url.PathEscape(args[0])+"/regenerate", nil, &info); err != nil {
				return err
			}
			return reportPairing(info, jsonOutput, qrOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&qrOut, "qr-out", "", "write the pairing QR image to this PNG file")
	return cmd
}

func channelsCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <channel-id>",
		Short: "Log the channel out and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			if err := c.del("/v1/channels/" + url.PathEscape(args[0])); err != nil {
				return err
			}
			fmt.Printf("channel %s closed\n", args[0])
			return nil
		},
	}
}

func channelsStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status <channel-id>",
		Short: "Show one channel's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var info protocol.ChannelInfo
			if err := c.get("/v1/channels/"+url.PathEscape(args[0]), &info); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(info)
				return nil
			}
			fmt.Printf("channel:   %s\n", info.ChannelID)
			fmt.Printf("status:    %s\n", info.Status)
			fmt.Printf("attempts:  %d\n", info.Attempts)
			fmt.Printf("last seen: %s\n", fmtTime(info.LastSeen))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func channelsHealthCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "health <channel-id>",
		Short: "Probe whether the channel's connection is usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var h protocol.HealthInfo
			if err := c.get("/v1/channels/"+url.PathEscape(args[0])+"/health", &h); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(h)
				return nil
			}
			if h.Healthy {
				fmt.Printf("%s: healthy (%s)\n", h.ChannelID, h.Status)
				return nil
			}
			fmt.Printf("%s: unhealthy (%s)", h.ChannelID, h.Status)
			if h.Reason != "" {
				fmt.Printf(": %s", h.Reason)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func channelsSendCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "send <channel-id> <to> <text>...",
		Short: "Send a text message through a connected channel",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var ack protocol.MessageAck
			req := protocol.SendMessageRequest{To: args[1], Text: strings.Join(args[2:], " ")}
			if err := c.post("/v1/channels/"+url.PathEscape(args[0])+"/messages", req, &ack); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(ack)
				return nil
			}
			fmt.Printf("sent %s to %s\n", ack.MessageID, ack.To)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func channelsCheckCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "check <channel-id> <phone>",
		Short: "Check whether a phone number is reachable on the network",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient()
			if err != nil {
				return err
			}
			var rc protocol.RecipientCheck
			if err := c.get("/v1/channels/"+url.PathEscape(args[0])+"/recipients/"+url.PathEscape(args[1]), &rc); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(rc)
				return nil
			}
			if rc.Reachable {
				fmt.Printf("%s is reachable (%s)\n", rc.Phone, rc.JID)
			} else {
				fmt.Printf("%s is not on the network\n", rc.Phone)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// reportPairing prints the snapshot returned by create/regenerate and
// optionally writes the QR image to disk.
func reportPairing(info protocol.ChannelInfo, jsonOutput bool, qrOut string) error {
	if qrOut != "" && info.QRCode != "" {
		if err := writeQRFile(qrOut, info.QRCode); err != nil {
			return err
		}
	}
	if jsonOutput {
		printJSON(info)
		return nil
	}

	fmt.Printf("channel: %s\n", info.ChannelID)
	fmt.Printf("status:  %s\n", info.Status)
	switch {
	case info.QRCode != "" && qrOut != "":
		fmt.Printf("qr code written to %s, scan it within about a minute\n", qrOut)
	case info.QRCode != "":
		fmt.Println("qr code ready; rerun with --qr-out FILE to save it, or read it from the API")
	case info.Status == "CONNECTED":
		fmt.Println("already paired and connected")
	default:
		fmt.Println("no pairing code yet; watch `wabridge channels status` or the event feed")
	}
	return nil
}

// writeQRFile decodes a data URI into a PNG on disk.
func writeQRFile(path, dataURI string) error {
	_, b64, ok := strings.Cut(dataURI, ",")
	if !ok {
		return fmt.Errorf("malformed qr data uri")
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode qr image: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("write qr image: %w", err)
	}
	return nil
}

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
