// Command spotctl is the operator CLI for the bracket trading daemon.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bracketBot/internal/domain"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		client  *apiClient
	)
	root := &cobra.Command{
		Use:          "spotctl",
		Short:        "Operate the bracket trading daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client = newAPIClient(addr, timeout)
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&addr, "addr", envOr("SPOTCTL_ADDR", "http://localhost:8080"), "daemon API base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	api := func() *apiClient { return client }
	root.AddCommand(
		newTradesCmd(api),
		newProfitCmd(api),
		newModeCmd(api),
		newCloseCmd(api),
		newBracketsCmd(api),
		newRiskCmd(api),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newTradesCmd(api func() *apiClient) *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List open trades (or recent trades with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/trades/open"
			if all {
				path = "/trades?limit=" + strconv.Itoa(limit)
			}
			var trades []trade
			if err := api().do(cmd.Context(), http.MethodGet, path, nil, &trades); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSYMBOL\tSTATUS\tQTY\tENTRY\tTP\tSL\tPNL")
			for _, t := range trades {
				pnl := "-"
				if t.RealizedPnL != nil {
					pnl = strconv.FormatFloat(*t.RealizedPnL, 'f', -1, 64)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%g\t%g\t%g\t%s\n",
					t.ID, t.Symbol, t.Status, t.Quantity, t.AvgPrice, t.TPPrice, t.SLStopPrice, pnl)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include closed trades")
	cmd.Flags().IntVar(&limit, "limit", 50, "max trades with --all")
	return cmd
}

func newProfitCmd(api func() *apiClient) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "profit",
		Short: "Realized profit per symbol for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.ParsePeriod(period); err != nil {
				return err
			}
			var resp profitResponse
			if err := api().do(cmd.Context(), http.MethodGet, "/profit?period="+period, nil, &resp); err != nil {
				return err
			}
			symbols := make([]string, 0, len(resp.Profit))
			for s := range resp.Profit {
				if s != domain.TotalKey {
					symbols = append(symbols, s)
				}
			}
			sort.Strings(symbols)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "SYMBOL\tPNL (%s)\n", resp.Period)
			for _, s := range symbols {
				fmt.Fprintf(w, "%s\t%s\n", s, strconv.FormatFloat(resp.Profit[s], 'f', -1, 64))
			}
			fmt.Fprintf(w, "%s\t%s\n", domain.TotalKey, strconv.FormatFloat(resp.Profit[domain.TotalKey], 'f', -1, 64))
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&period, "period", "all", "day, week, month, year or all")
	return cmd
}

func newModeCmd(api func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show or change the trading mode",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the trading mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp modeResponse
			if err := api().do(cmd.Context(), http.MethodGet, "/mode", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Mode)
			return nil
		},
	}, &cobra.Command{
		Use:   "set MODE",
		Short: "Set the trading mode (CONFIRM_ALL, AUTO_GATED, AUTO_ALL)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := domain.ParseTradingMode(args[0])
			if err != nil {
				return err
			}
			var resp modeResponse
			if err := api().do(cmd.Context(), http.MethodPut, "/mode", map[string]string{"mode": mode.String()}, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trading mode set to %s\n", resp.Mode)
			return nil
		},
	})
	return cmd
}

func newCloseCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "close TRADE_ID",
		Short: "Close a trade at market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTradeID(args[0])
			if err != nil {
				return err
			}
			var resp tradeEnvelope
			if err := api().do(cmd.Context(), http.MethodPost, fmt.Sprintf("/trades/%d/close", id), nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trade #%d closed at %g, pnl %g\n", id, resp.ExitPrice, resp.PnL)
			return nil
		},
	}
}

func newBracketsCmd(api func() *apiClient) *cobra.Command {
	var tp, sl float64
	cmd := &cobra.Command{
		Use:   "brackets TRADE_ID",
		Short: "Replace the take-profit and/or stop-loss of a trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTradeID(args[0])
			if err != nil {
				return err
			}
			body := map[string]float64{}
			if cmd.Flags().Changed("tp") {
				body["tp_pct"] = tp
			}
			if cmd.Flags().Changed("sl") {
				body["sl_pct"] = sl
			}
			if len(body) == 0 {
				return fmt.Errorf("at least one of --tp or --sl is required")
			}
			var resp tradeEnvelope
			if err := api().do(cmd.Context(), http.MethodPatch, fmt.Sprintf("/trades/%d/brackets", id), body, &resp); err != nil {
				return err
			}
			if resp.Trade != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "trade #%d: tp %g, sl %g/%g (%s)\n",
					id, resp.Trade.TPPrice, resp.Trade.SLStopPrice, resp.Trade.SLLimitPrice, resp.Trade.Status)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&tp, "tp", 0, "take-profit percent")
	cmd.Flags().Float64Var(&sl, "sl", 0, "stop-loss percent")
	return cmd
}

func newRiskCmd(api func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "risk",
		Short: "Show risk limits and current exposure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp map[string]interface{}
			if err := api().do(cmd.Context(), http.MethodGet, "/risk", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if limits, ok := resp["limits"].(map[string]interface{}); ok {
				keys := sortedKeys(limits)
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%v\n", k, limits[k])
				}
				delete(resp, "limits")
			}
			for _, k := range sortedKeys(resp) {
				fmt.Fprintf(w, "%s\t%v\n", k, resp[k])
			}
			return w.Flush()
		},
	}
}

func parseTradeID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("trade id must be a positive integer, got %q", s)
	}
	return id, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
