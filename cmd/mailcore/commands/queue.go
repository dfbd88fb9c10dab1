package commands

import (
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/busybox42/mailcore/cmd/mailcore/client"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/spf13/cobra"
)

func (a *app) newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the mail queue through the admin API",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show message counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.client().GetQueueStats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "show <message_id>",
		Short: "Show one queued message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := a.client().GetMessage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	})

	queueCmd.AddCommand(&cobra.Command{
		Use:   "retry <message_id>",
		Short: "Make a deferred or failed message eligible for delivery now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := a.client().RetryMessage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message %s is %s\n", msg.ID, msg.Status)
			return nil
		},
	})

	return queueCmd
}

// client targets --api-url, or the configured admin listener
func (a *app) client() *client.Client {
	if a.apiURL != "" {
		return client.NewClient(a.apiURL)
	}
	return client.NewClient(apiBaseURL(a.cfg.API.Listen))
}

func apiBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func printStats(w io.Writer, stats *client.QueueStats) {
	statuses := make([]string, 0, len(stats.Counts))
	for s := range stats.Counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tMESSAGES")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, stats.Counts[s])
	}
	fmt.Fprintf(tw, "total\t%d\n", stats.Total)
	tw.Flush()
}

func printMessage(w io.Writer, msg *queue.Message) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", msg.ID)
	fmt.Fprintf(tw, "Domain:\t%s\n", msg.DomainID)
	fmt.Fprintf(tw, "From:\t%s\n", displaySender(msg.From))
	fmt.Fprintf(tw, "Recipients:\t%s\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(tw, "Size:\t%d bytes\n", msg.Size)
	fmt.Fprintf(tw, "Status:\t%s\n", msg.Status)
	fmt.Fprintf(tw, "Attempts:\t%d of %d\n", msg.RetryCount, msg.MaxRetries)
	fmt.Fprintf(tw, "Created:\t%s\n", msg.CreatedAt.Format(time.RFC3339))
	if msg.Status == queue.StatusPending && !msg.NextRetryAt.IsZero() {
		fmt.Fprintf(tw, "Next attempt:\t%s\n", msg.NextRetryAt.Format(time.RFC3339))
	}
	if msg.SentAt != nil {
		fmt.Fprintf(tw, "Sent:\t%s\n", msg.SentAt.Format(time.RFC3339))
	}
	if msg.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", msg.LastError)
	}
	tw.Flush()
}

func displaySender(from string) string {
	if from == "" {
		return "<>"
	}
	return from
}
