// trenchctl - operator CLI for a running trenches server
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"trenches/auth"
	"trenches/bots"
	"trenches/engine"
)

var (
	serverURL string
	secret    string
	operator  string
	tokenTTL  time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trenchctl",
		Short: "Operate a trenches market server",
		Long: `trenchctl talks to the admin routes of a trenches server. Admin tokens
are minted locally from the shared secret.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("TRENCHES_URL", "http://localhost:8080"), "Server base URL")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", os.Getenv("ADMIN_SECRET"), "Admin secret (defaults to ADMIN_SECRET env var)")
	rootCmd.PersistentFlags().StringVar(&operator, "operator", envOr("USER", "operator"), "Operator name recorded in tokens")
	rootCmd.PersistentFlags().DurationVar(&tokenTTL, "ttl", 15*time.Minute, "Token lifetime")

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(botsCmd())
	rootCmd.AddCommand(forceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient() (*client, error) {
	token := ""
	if secret != "" {
		var err error
		token, err = auth.NewManager(secret).GenerateToken(operator, tokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return &client{baseURL: serverURL, token: token}, nil
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print an admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret or ADMIN_SECRET is required")
			}
			token, err := auth.NewManager(secret).GenerateToken(operator, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show price, supply and the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var state struct {
				Price       float64                   `json:"price"`
				Supply      float64                   `json:"totalTokensInCirculation"`
				RugDetected bool                      `json:"rugDetected"`
				Candles     []engine.Candle           `json:"candles"`
				Leaderboard []engine.LeaderboardEntry `json:"leaderboard"`
			}
			if err := c.do(cmd.Context(), "GET", "/state", nil, &state); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "price %.8f  supply %.8f  candles %d  rug %t\n", state.Price, state.Supply, len(state.Candles), state.RugDetected)
			for i, e := range state.Leaderboard {
				if i >= top {
					break
				}
				kind := "player"
				if e.IsBot {
					kind = "bot"
				}
				fmt.Fprintf(out, "%3d  %-24s %-6s net %.2f  tokens %.8f  cash %.2f\n", i+1, e.ID, kind, e.NetWorth, e.Tokens, e.Dollars)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "Leaderboard rows to print")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the market and every account to initial conditions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "POST", "/admin/reset", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "market reset")
			return nil
		},
	}
}

func botsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Inspect or toggle the bot swarm",
	}

	setEnabled := func(enabled bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var res botsResponse
			if err := c.do(cmd.Context(), "POST", "/admin/bots", map[string]bool{"enabled": enabled}, &res); err != nil {
				return err
			}
			printStats(cmd, res.Stats)
			return nil
		}
	}
	cmd.AddCommand(&cobra.Command{Use: "on", Short: "Start the swarm", Args: cobra.NoArgs, RunE: setEnabled(true)})
	cmd.AddCommand(&cobra.Command{Use: "off", Short: "Pause the swarm", Args: cobra.NoArgs, RunE: setEnabled(false)})

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List agents and their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var res botsResponse
			if err := c.do(cmd.Context(), "GET", "/admin/bots", nil, &res); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printStats(cmd, res.Stats)
			for _, a := range res.Agents {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-7s %-8s %-8s %-8s invested %.2f\n",
					a.ID, a.Behavior, a.Personality, a.Phase, a.Emotion, a.Invested)
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.AddCommand(listCmd)
	return cmd
}

func forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <bot-id> <buy|sell> <fraction>",
		Short: "Queue a one-off trade for an agent on its next tick",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := engine.ParseKind(args[1]); err != nil {
				return err
			}
			fraction, err := strconv.ParseFloat(args[2], 64)
			if err != nil || fraction <= 0 || fraction > 1 {
				return fmt.Errorf("fraction must be in (0, 1], got %q", args[2])
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]interface{}{"action": args[1], "fraction": fraction}
			if err := c.do(cmd.Context(), "POST", "/admin/bots/"+args[0]+"/force", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s %.2f for %s\n", args[1], fraction, args[0])
			return nil
		},
	}
}

func printStats(cmd *cobra.Command, st bots.Stats) {
	fmt.Fprintf(cmd.OutOrStdout(), "enabled %t  agents %d  idle %d  holding %d  dormant %d\n",
		st.Enabled, st.Agents, st.Idle, st.Holding, st.Dormant)
}
