package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/session"
)

func psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List sessions in the namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			l := buildLayout(cfg)

			ids, err := session.ListSessionIDs(l)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			fmt.Printf("%-28s  %-10s  %s\n", "ID", "STATE", "COMMAND")
			for _, id := range ids {
				s := session.New(l, id)
				req, _ := s.ReadRequest()
				st, ok, _ := s.ReadStatus()
				state := "queued"
				if s.IsClaimed() {
					state = "claimed"
				}
				if ok {
					state = st.State
				}
				fmt.Printf("%-28s  %-10s  %s\n", id, state, strings.Join(req.Argv, " "))
			}
			return nil
		},
	}
}
