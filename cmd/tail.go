package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/seastall/fishreply/internal/config"
)

func tailCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream live pipeline events from a running bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
			}
			return runTail(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default: from config)")
	return cmd
}

func runTail(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url := "ws://" + addr + "/events"
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	fmt.Fprintf(os.Stderr, "connected to %s\n", url)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fmt.Println(string(data))
	}
}
