package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/seastall/fishreply/internal/config"
	"github.com/seastall/fishreply/internal/coze"
	"github.com/seastall/fishreply/internal/sessions"
	"github.com/seastall/fishreply/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and administer buyer sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsResetCmd())
	return cmd
}

func openStoreFromConfig() (*config.Config, store.SessionStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Database.Driver, cfg.SqlitePathExpanded(), cfg.Database.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := st.ListAll(context.Background())
			if err != nil {
				return err
			}
			if len(all) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			fmt.Printf("%-14s %-14s %-16s %-9s %-8s %-8s %s\n",
				"USER", "ITEM", "BUYER", "TYPE", "STATUS", "NUDGED", "LAST ACTIVITY")
			for _, s := range all {
				last := "-"
				if !s.LastMessageAt.IsZero() {
					last = s.LastMessageAt.Format(time.DateTime)
				}
				nudged := "no"
				if s.InactiveSent {
					nudged = "yes"
				}
				// Buyer names are mostly CJK; pad by display width so
				// columns stay aligned.
				fmt.Printf("%-14s %-14s %s %-9s %-8s %-8s %s\n",
					clip(s.UserID, 14), clip(s.ItemID, 14),
					runewidth.FillRight(runewidth.Truncate(s.BuyerName, 16, "…"), 16),
					s.CustomerType, clip(s.OrderStatus, 8), nudged, last)
			}
			return nil
		},
	}
}

func sessionsResetCmd() *cobra.Command {
	var clearRemote bool

	cmd := &cobra.Command{
		Use:   "reset <user-id> [item-id]",
		Short: "Drop a user's conversation binding so the next message starts fresh",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			userID := args[0]
			dir := sessions.NewDirectory(st, nil)

			var targets []*store.Session
			if len(args) == 2 {
				s, err := st.Get(ctx, userID, args[1])
				if err != nil {
					return err
				}
				targets = append(targets, s)
			} else {
				targets, err = st.ListByUser(ctx, userID)
				if err != nil {
					return err
				}
			}
			if len(targets) == 0 {
				fmt.Println("no matching sessions")
				return nil
			}

			var ai *coze.Client
			if clearRemote {
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("--clear-remote needs API credentials: %w", err)
				}
				ai = coze.NewClient(cfg.Coze.APIToken, cfg.Coze.BotID, coze.Options{
					BaseURL: cfg.Coze.BaseURL,
				})
			}

			for _, s := range targets {
				if s.ConversationID != "" && ai != nil {
					if err := ai.ClearConversation(ctx, s.ConversationID); err != nil {
						fmt.Printf("warning: remote clear failed for %s/%s: %v\n", s.UserID, s.ItemID, err)
					}
				}
				if err := dir.ResetConversation(ctx, s.UserID, s.ItemID); err != nil {
					return err
				}
				fmt.Printf("reset %s/%s\n", s.UserID, s.ItemID)
			}
			return dir.ResetInactive(ctx, userID)
		},
	}

	cmd.Flags().BoolVar(&clearRemote, "clear-remote", false, "also clear the AI-side conversation history")
	return cmd
}

func clip(s string, max int) string {
	return runewidth.Truncate(s, max, "…")
}
