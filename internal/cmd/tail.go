package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glia-ai/glia/internal/client"
	"github.com/glia-ai/glia/pkg/unified"
)

func newTailCmd() *cobra.Command {
	var (
		daemonURL string
		token     string
		rawJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "tail <session-id>",
		Short: "Attach to a session as a read-only consumer and print its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]

			handler := func(msg unified.Message) error {
				if rawJSON {
					data, err := json.Marshal(msg)
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}
				printMessage(msg)
				return nil
			}

			c := client.New(client.Options{
				URL:   daemonURL + "/ws/consumer/" + sessionID,
				Token: token,
			}, handler)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			err := c.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&daemonURL, "url", "ws://localhost:8140", "daemon base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw JSON messages")
	return cmd
}

func printMessage(msg unified.Message) {
	switch msg.Type {
	case unified.TypeAssistant:
		fmt.Printf("assistant> %s\n", msg.Text())
	case unified.TypeUserMessage:
		fmt.Printf("user> %s\n", msg.Text())
	case unified.TypeStreamEvent:
		fmt.Print(msg.Text())
	case unified.TypeResult:
		fmt.Printf("\n[turn done: %s]\n", msg.MetaString(unified.MetaSubtype))
	case unified.TypeStatusChange:
		fmt.Printf("[status: %s]\n", msg.MetaString(unified.MetaStatus))
	case unified.TypePermissionRequest:
		fmt.Printf("[permission requested: %s (request_id %s)]\n",
			msg.MetaString(unified.MetaToolName), msg.RequestID())
	case unified.TypeProcessOutput:
		fmt.Fprintf(os.Stderr, "%s\n", msg.Text())
	case unified.TypeError:
		fmt.Fprintf(os.Stderr, "error: %s\n", msg.Text())
	default:
		fmt.Printf("[%s]\n", msg.Type)
	}
}
