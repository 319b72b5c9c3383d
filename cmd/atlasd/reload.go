package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newReloadPolicyCmd() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "reload-policy",
		Short: "Re-read the policy file on a running atlasd",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminPost(adminAddr, "/reload-policy")
			if err != nil {
				return unavailableErr(err)
			}
			var resp map[string]interface{}
			if err := json.Unmarshal(body, &resp); err != nil {
				return unavailableErr(fmt.Errorf("decoding reload-policy response: %w", err))
			}
			if errMsg, ok := resp["error"].(string); ok {
				return configInvalidErr(fmt.Errorf("%s", errMsg))
			}
			fmt.Println("policy reloaded")
			return nil
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:7777", "loopback address of a running atlasd serve")
	return cmd
}
