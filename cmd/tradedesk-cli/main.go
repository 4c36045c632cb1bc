package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tradedesk/internal/broadcast"
	"tradedesk/internal/channel"
	"tradedesk/internal/config"
	"tradedesk/internal/domain"
	"tradedesk/internal/httpapi"
	"tradedesk/internal/live"
	"tradedesk/internal/util"
	"tradedesk/pkg/tradedesk"
)

var (
	serverURL string
	jsonOut   bool
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tradedesk-cli",
		Short:        "Operate a tradedesk server: place orders, exit positions, watch accounts",
		SilenceUsage: true,
	}
	defaultURL := os.Getenv("TRADEDESK_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "tradedesk server base URL")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "print raw JSON")

	root.AddCommand(submitCmd(), exitCmd(), accountsCmd(), tradesCmd(), statsCmd(), refreshCmd(), auditCmd(), watchCmd())
	return root
}

func client() *tradedesk.Client { return tradedesk.NewClient(serverURL) }

func submitCmd() *cobra.Command {
	var (
		req     httpapi.SubmitRequest
		side    string
		class   string
		trade   string
		targets []string
		qty     int64
	)
	cmd := &cobra.Command{
		Use:   "submit --instrument AAPL --side buy --target acct-1=10 --target acct-2=5",
		Short: "Dispatch one order to many accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Side = domain.Side(side)
			req.OrderClass = domain.OrderClass(class)
			req.TradeClassification = domain.TradeClass(trade)
			accounts, err := parseTargets(targets, qty)
			if err != nil {
				return err
			}
			req.Accounts = accounts
			res, err := client().SubmitOrder(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.InstrumentID, "instrument", "", "instrument id")
	f.StringVar(&side, "side", "buy", "buy, sell or exit")
	f.StringVar(&class, "class", "market", "market or limit")
	f.Float64Var(&req.Price, "limit", 0, "limit price")
	f.StringVar(&trade, "trade-class", "", "intraday, delivery or margin")
	f.StringVar(&req.Tag, "tag", "", "free-form tag recorded with the order")
	f.StringSliceVar(&targets, "target", nil, "account=quantity, or a bare account with --qty")
	f.Int64Var(&qty, "qty", 0, "quantity for targets given without one")
	cmd.MarkFlagRequired("instrument")
	cmd.MarkFlagRequired("target")
	return cmd
}

// parseTargets turns "acct=qty" (or "acct" with a default quantity) into
// account quantities, keeping input order.
func parseTargets(specs []string, defaultQty int64) ([]httpapi.AccountQuantity, error) {
	out := make([]httpapi.AccountQuantity, 0, len(specs))
	for _, s := range specs {
		id, q, found := strings.Cut(strings.TrimSpace(s), "=")
		if id == "" {
			return nil, fmt.Errorf("target %q: missing account", s)
		}
		t := httpapi.AccountQuantity{AccountID: id, Quantity: defaultQty}
		if found {
			n, err := strconv.ParseInt(q, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("target %q: bad quantity: %w", s, err)
			}
			t.Quantity = n
		}
		if t.Quantity <= 0 {
			return nil, fmt.Errorf("target %q: quantity must be positive", s)
		}
		out = append(out, t)
	}
	return out, nil
}

func exitCmd() *cobra.Command {
	var accounts []string
	cmd := &cobra.Command{
		Use:   "exit INSTRUMENT",
		Short: "Close every open position in an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().Exit(cmd.Context(), args[0], accounts)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().StringSliceVar(&accounts, "accounts", nil, "only exit these accounts")
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts [ID]",
		Short: "List accounts, or show one with its positions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			if len(args) == 1 {
				a, err := c.Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(a)
				}
				printAccounts([]httpapi.AccountJSON{a})
				printPositions(a.Positions)
				return nil
			}
			list, err := c.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(list)
			}
			printAccounts(list)
			return nil
		},
	}
	cmd.AddCommand(accountCreateCmd(), accountActiveCmd("activate", true), accountActiveCmd("deactivate", false))
	return cmd
}

func accountCreateCmd() *cobra.Command {
	var (
		req      httpapi.CreateAccountRequest
		inactive bool
	)
	cmd := &cobra.Command{
		Use:   "create ID",
		Short: "Register an account with the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.ID = args[0]
			req.Active = !inactive
			a, err := client().CreateAccount(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(a)
			}
			printAccounts([]httpapi.AccountJSON{a})
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Broker, "broker", "simulator", "broker adapter name")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.CredentialRef, "credential-ref", "", "credential reference in the server config")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the account deactivated")
	return cmd
}

func accountActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := client().SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(a)
			}
			printAccounts([]httpapi.AccountJSON{a})
			return nil
		},
	}
}

func tradesCmd() *cobra.Command {
	var (
		account, instrument string
		limit               int
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recent fills, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			fills, err := client().Trades(cmd.Context(), account, instrument, limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(fills)
			}
			printTrades(fills)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "only this account")
	cmd.Flags().StringVar(&instrument, "instrument", "", "only this instrument")
	cmd.Flags().IntVar(&limit, "limit", 50, "number of fills")
	cmd.AddCommand(&cobra.Command{
		Use:   "exit TRADE_ID",
		Short: "Close what remains of one fill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client().ExitTrade(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(res)
		},
	})
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show totals across all accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(st)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "accounts\t%d (%d active)\n", st.TotalAccounts, st.ActiveAccounts)
			fmt.Fprintf(w, "funds\t%.2f\n", st.TotalFunds)
			fmt.Fprintf(w, "pnl\t%.2f\n", st.TotalPnL)
			fmt.Fprintf(w, "margin used\t%.2f\n", st.TotalMarginUsed)
			fmt.Fprintf(w, "margin available\t%.2f\n", st.TotalMarginAvailable)
			fmt.Fprintf(w, "margin utilization\t%.1f%%\n", st.MarginUtilization)
			fmt.Fprintf(w, "open positions\t%d\n", st.OpenPositions)
			return w.Flush()
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [ID...]",
		Short: "Poll accounts now instead of waiting for the next cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client().Refresh(cmd.Context(), args)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(report)
			}
			fmt.Printf("refreshed %d/%d (stale %d)\n", report.Updated, report.Total, report.Stale)
			for id, msg := range report.Errors {
				fmt.Printf("  %s: %s\n", id, msg)
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent dispatched requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Audit(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(resp)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tREQUEST\tINSTRUMENT\tSIDE\tOK\tREJECTED\tERRORS")
			for _, e := range resp.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					e.StartedAt.Local().Format(time.DateTime), e.RequestID, e.InstrumentID, e.Side,
					e.Submitted, e.Rejected, e.Errors)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	return cmd
}

func watchCmd() *cobra.Command {
	var (
		subjects []string
		grpcAddr string
		wsURL    string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live account updates, reconnecting as needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Path())
			if err != nil {
				return err
			}
			logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, "text")

			var dialer channel.Dialer = live.WSDialer{URL: cfg.Channel.URL}
			if wsURL != "" {
				dialer = live.WSDialer{URL: wsURL}
			}
			if grpcAddr != "" {
				dialer = live.GRPCDialer{Addr: grpcAddr, Subjects: subjects}
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			w := live.NewWatcher(dialer, subjects, channel.Options{
				BaseDelay:   cfg.Channel.BaseDelay,
				MaxDelay:    cfg.Channel.MaxDelay,
				MaxAttempts: cfg.Channel.MaxAttempts,
				DialTimeout: cfg.Channel.DialTimeout,
				Log:         logger,
			}, printReceived, func(s channel.State, err error) {
				if err != nil {
					logger.Warn("channel state", "state", s, "error", err)
					return
				}
				logger.Info("channel state", "state", s)
			})
			w.Start(ctx)
			defer w.Close()

			select {
			case <-ctx.Done():
				return nil
			case <-w.Done():
				return w.Err()
			}
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&subjects, "subjects", nil, "account ids to watch (all when empty)")
	f.StringVar(&wsURL, "url", "", "websocket URL (default from config channel.url)")
	f.StringVar(&grpcAddr, "grpc", "", "use the gRPC stream at host:port instead of websocket")
	return cmd
}

func printReceived(m live.Received) {
	if jsonOut {
		data, _ := json.Marshal(m)
		fmt.Println(string(data))
		return
	}
	switch m.Type {
	case broadcast.TypeAccountUpdate:
		var p broadcast.AccountPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			slog.Debug("bad account payload", "error", err)
			return
		}
		a := p.Account
		fmt.Printf("%s  %-12s seq=%-6d funds=%.2f margin=%.2f/%.2f pnl=%.2f\n",
			m.Timestamp.Local().Format(time.TimeOnly), a.ID, m.Sequence,
			a.AvailableFunds, a.MarginUsed, a.MarginAvailable, a.TotalPnL())
	default:
		fmt.Printf("%s  %-14s %s %s\n", m.Timestamp.Local().Format(time.TimeOnly), m.Type, m.SubjectID, string(m.Payload))
	}
}

func printResult(res domain.ExecutionResult) error {
	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("request %s: %d submitted, %d rejected, %d errors\n", res.RequestID, res.Submitted, res.Rejected, res.Errors)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSIDE\tQTY\tSTATUS\tORDER\tERROR")
	for _, e := range res.Entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", e.AccountID, e.Side, e.Quantity, e.Status, e.BrokerOrderID, e.Error)
	}
	return w.Flush()
}

func printAccounts(list []httpapi.AccountJSON) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBROKER\tACTIVE\tFUNDS\tMARGIN USED\tPNL\tSEQ")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%.2f\t%.2f\t%.2f\t%d\n",
			a.ID, a.Name, a.Broker, a.Active, a.AvailableFunds, a.MarginUsed, a.TotalPnL, a.Sequence)
	}
	w.Flush()
}

func printTrades(fills []domain.Fill) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME	TRADE	ACCOUNT	INSTRUMENT	SIDE	QTY	PRICE")
	for _, f := range fills {
		fmt.Fprintf(w, "%s	%s	%s	%s	%s	%d	%.2f
",
			f.Time.Local().Format(time.DateTime), f.TradeID, f.AccountID, f.InstrumentID, f.Side, f.Quantity, f.Price)
	}
	w.Flush()
}

func printPositions(positions []domain.Position) {
	if len(positions) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tQTY\tAVG PRICE\tCLASS")
	for _, p := range positions {
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%s\n", p.InstrumentID, p.Quantity, p.AvgPrice, p.TradeClass)
	}
	w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
