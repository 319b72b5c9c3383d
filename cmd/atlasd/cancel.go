package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the current Turn on a running atlasd",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminPost(adminAddr, "/cancel")
			if err != nil {
				return unavailableErr(err)
			}
			var resp map[string]bool
			if err := json.Unmarshal(body, &resp); err != nil {
				return unavailableErr(fmt.Errorf("decoding cancel response: %w", err))
			}
			if resp["cancelled"] {
				fmt.Println("cancelled the current Turn")
			} else {
				fmt.Println("no Turn was in flight")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7777", "loopback address of a running atlasd serve")
	return cmd
}
