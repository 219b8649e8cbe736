package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liveframe/liveframe/pkg/session"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List a running daemon's open connections and their subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := viper.GetString("addr")

			resp, err := http.Get(addr + "/admin/sessions")
			if err != nil {
				return fmt.Errorf("reach daemon at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon at %s returned %s", addr, resp.Status)
			}

			var sessions []session.SessionInfo
			if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			if len(sessions) == 0 {
				cmd.Println("no open connections")
				return nil
			}
			for _, s := range sessions {
				cmd.Printf("%s  subscriptions=%v\n", s.ID, s.Resources)
			}
			return nil
		},
	}
}
