package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the running atlasd's budget mode and current Turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminGet(adminAddr, "/status")
			if err != nil {
				return unavailableErr(err)
			}
			var resp statusResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				return unavailableErr(fmt.Errorf("decoding status response: %w", err))
			}
			fmt.Printf("mode: %s\n", resp.Mode)
			fmt.Printf("month_spend_cents: %d\n", resp.MonthSpendCents)
			fmt.Printf("day_spend_cents: %d\n", resp.DaySpendCents)
			fmt.Printf("degraded: %v\n", resp.Degraded)
			if resp.CurrentTurnSet {
				fmt.Printf("current_turn_id: %s\n", resp.CurrentTurnID)
			} else {
				fmt.Println("current_turn_id: (none)")
			}
			if len(resp.RecentUsage) == 0 {
				fmt.Println("recent_usage: (none)")
			} else {
				fmt.Println("recent_usage:")
				for _, rec := range resp.RecentUsage {
					fmt.Printf("  %s  tier=%s  in=%d  out=%d  cost_usd=%.4f  at=%s\n",
						rec.UtteranceID, rec.Tier, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.CommittedAt)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7777", "loopback address of a running atlasd serve")
	return cmd
}

func adminGet(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, fmt.Errorf("contacting atlasd admin endpoint: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func adminPost(addr, path string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post("http://"+addr+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("contacting atlasd admin endpoint: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
