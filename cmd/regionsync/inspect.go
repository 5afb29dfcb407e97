package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/regionsync/internal/config"
	"github.com/tunnelmesh/regionsync/internal/journal"
	"github.com/tunnelmesh/regionsync/internal/region"
	"github.com/tunnelmesh/regionsync/internal/tracking"
	"github.com/tunnelmesh/regionsync/pkg/bytesize"
)

func requireRegion(cfg *config.Config, name string) error {
	for _, r := range cfg.Deployment.Regions {
		if r == name {
			return nil
		}
	}
	return fmt.Errorf("region %q is not part of deployment %s", name, cfg.Deployment.BaseName)
}

func newTrackingCmd() *cobra.Command {
	trackingCmd := &cobra.Command{
		Use:   "tracking",
		Short: "Inspect multipart copy tracking records",
	}

	var (
		regionName string
		status     string
		limit      int
	)
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tracking records of a region, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireRegion(cfg, regionName); err != nil {
				return err
			}
			f := tracking.ListFilter{Limit: limit}
			if status != "" {
				st, err := tracking.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = &st
			}

			db, dialect, err := region.OpenState(cmd.Context(), cfg, regionName)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			table, err := tracking.NewSQLTable(db, dialect)
			if err != nil {
				return err
			}
			records, err := table.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			printTracking(cmd.OutOrStdout(), records)
			return nil
		},
	}
	listCmd.Flags().StringVarP(&regionName, "region", "r", "", "region to inspect")
	listCmd.Flags().StringVar(&status, "status", "", "only records in this status (Claimed, Queued, Processing, Complete)")
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum records to list")
	_ = listCmd.MarkFlagRequired("region")
	trackingCmd.AddCommand(listCmd)
	return trackingCmd
}

func printTracking(out io.Writer, records []*tracking.Record) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No tracking records.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSTATUS\tPARTS\tPART SIZE\tATTEMPTS\tCREATED")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%d\t%s\n",
			r.Key, r.Status, len(r.Parts), r.TotalParts, bytesize.Format(r.MaxPartSize),
			r.ProcessingAttempts, r.CreatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func newJournalCmd() *cobra.Command {
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect journal replicas",
	}

	var (
		regionName string
		after      int64
		limit      int
	)
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Print change-stream records of a region's journal replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireRegion(cfg, regionName); err != nil {
				return err
			}
			table, err := region.OpenJournal(cmd.Context(), cfg, regionName)
			if err != nil {
				return err
			}
			defer func() { _ = table.Close() }()

			from := after
			if from < 0 {
				last, err := table.LastSequence(cmd.Context())
				if err != nil {
					return err
				}
				from = max(last-int64(limit), 0)
			}
			records, err := table.ReadStream(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			printStream(cmd.OutOrStdout(), records)
			return nil
		},
	}
	tailCmd.Flags().StringVarP(&regionName, "region", "r", "", "region whose replica to read")
	tailCmd.Flags().Int64Var(&after, "after", -1, "print records after this sequence number (default: the last --limit records)")
	tailCmd.Flags().IntVar(&limit, "limit", 20, "maximum records to print")
	_ = tailCmd.MarkFlagRequired("region")
	journalCmd.AddCommand(tailCmd)
	return journalCmd
}

func printStream(out io.Writer, records []journal.StreamRecord) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No stream records.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tRECORD\tEVENT\tKEY\tREGION\tPRINCIPAL\tSIZE")
	for _, r := range records {
		event, principal, size := r.Keys.EventName, "-", "-"
		if r.NewImage != nil {
			principal = r.NewImage.Principal
			if r.NewImage.Size != nil {
				size = bytesize.Format(*r.NewImage.Size)
			}
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SequenceNumber, r.EventName, event, r.Keys.Key, r.Keys.Region, principal, size)
	}
	_ = w.Flush()
}
