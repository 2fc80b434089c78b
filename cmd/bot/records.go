package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mentionbot/internal/app"
	"mentionbot/internal/plugin/builtin/mention"
	"mentionbot/internal/storage"
	logx "mentionbot/pkg/logx"
	"mentionbot/pkg/tgui"
)

var (
	recTarget string
	recLimit  int
	recDesc   bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect stored mention records",
	Long: `Operate directly on the configured store. Safe to run next to a live
bot for sqlite and postgres; the file driver should be stopped first.

Examples:
  mentionbot records count --target 123456
  mentionbot records list --target 123456 --limit 20 --desc
  mentionbot records purge --target 123456`,
}

var recordsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Number of pending records for a target",
	RunE: withStore(func(ctx context.Context, st storage.Store, cmd *cobra.Command) error {
		n, err := st.CountMentions(ctx, recTarget)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	}),
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending records for a target",
	RunE: withStore(func(ctx context.Context, st storage.Store, cmd *cobra.Command) error {
		order := storage.OrderAsc
		if recDesc {
			order = storage.OrderDesc
		}
		recs, err := st.FetchMentions(ctx, recTarget, recLimit, order)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tCHAT\tFROM\tTEXT")
		for _, r := range recs {
			text := tgui.TruncRunes(strings.ReplaceAll(mention.PlainText(r.Content), "\n", " "), 80)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.Time.Local().Format(time.DateTime), firstOf(r.GuildName, r.GuildID), firstOf(r.Nickname, r.SenderID), text)
		}
		return w.Flush()
	}),
}

var recordsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every pending record for a target",
	RunE: withStore(func(ctx context.Context, st storage.Store, cmd *cobra.Command) error {
		recs, err := st.FetchMentions(ctx, recTarget, 0, storage.OrderAsc)
		if err != nil {
			return err
		}
		ids := make([]int64, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		n, err := st.DeleteMentions(ctx, ids)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d record(s)\n", n)
		return nil
	}),
}

func init() {
	recordsCmd.PersistentFlags().StringVar(&recTarget, "target", "", "target user id")
	_ = recordsCmd.MarkPersistentFlagRequired("target")
	recordsListCmd.Flags().IntVar(&recLimit, "limit", 50, "max records (0 = all)")
	recordsListCmd.Flags().BoolVar(&recDesc, "desc", false, "newest first")
	recordsCmd.AddCommand(recordsCountCmd, recordsListCmd, recordsPurgeCmd)
}

func withStore(fn func(context.Context, storage.Store, *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		st, err := app.OpenStore(cfgPath, logx.NewWriter(os.Stderr, "WARN"))
		if errors.Is(err, storage.ErrDisabled) {
			return errors.New("storage is disabled in config (storage.driver)")
		}
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		return fn(ctx, st, cmd)
	}
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "-"
}
