package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pursuingf/pigeon/internal/proto"
	"github.com/pursuingf/pigeon/internal/session"
)

func pruneCmd() *cobra.Command {
	var (
		olderThan time.Duration
		states    string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete terminal session directories matching a filter",
		Long: `Deletes session directories whose status is terminal (exited, signaled, or
error). Neither the worker nor the client garbage-collects session state on
their own — prune is the external cleanup this system expects a cron job or
operator to run periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			l := buildLayout(cfg)

			var wantStates map[string]bool
			if states != "" {
				wantStates = map[string]bool{}
				for _, s := range strings.Split(states, ",") {
					wantStates[strings.TrimSpace(s)] = true
				}
			}

			ids, err := session.ListSessionIDs(l)
			if err != nil {
				return err
			}

			cutoff := nowSeconds() - olderThan.Seconds()
			var dropped int
			for _, id := range ids {
				s := session.New(l, id)
				st, ok, err := s.ReadStatus()
				if err != nil || !ok || !proto.Terminal(st.State) {
					continue
				}
				if wantStates != nil && !wantStates[st.State] {
					continue
				}
				if olderThan > 0 && st.EndedAt > cutoff {
					continue
				}
				if err := session.Remove(l, id); err != nil {
					fmt.Printf("pigeon prune: %s: %v\n", id, err)
					continue
				}
				dropped++
			}
			fmt.Printf("pruned %d session(s)\n", dropped)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only sessions that ended more than this long ago")
	cmd.Flags().StringVar(&states, "state", "", "comma-separated terminal states to match (default: all terminal states)")
	return cmd
}
