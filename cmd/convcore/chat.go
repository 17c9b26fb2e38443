package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scoopai/convcore/pkg/engine"
	"github.com/scoopai/convcore/pkg/hybrid"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
)

var (
	chatUserID    string
	chatSessionID string
	chatUseMongo  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Run one Engine.ProcessMessage turn against a fake LLM session",
	Long:  `chat reads a message (from the first argument, or stdin if omitted) and runs it through one sync-mode Conversation Engine turn, printing the assembled response.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		message := readMessage(args)
		if message == "" {
			color.Yellow("no message given, nothing to do")
			return
		}

		cfg := loadedConfig()
		llm := fakellm.New(demoScript(message))
		hyb := hybrid.New(cfg.HybridConfig())

		var catalog engine.Catalog
		if chatUseMongo {
			c, closeCatalog, err := connectCatalog(ctx, cfg, llm.Embed)
			if err != nil {
				color.Red("mongo catalog connect failed: %s", err)
				os.Exit(1)
			}
			defer closeCatalog()
			catalog = c
		}

		e := engine.New(llm, hyb, newDemoStore(), demoCompactor{}, nil, catalog, engine.DefaultConfig())

		result, err := e.ProcessMessage(ctx, chatUserID, message, chatSessionID)
		if err != nil {
			color.Red("engine error: %s", err)
			os.Exit(1)
		}

		color.Cyan("[user]: %s", message)
		color.Green("[assistant]: %s", result.Text)
		if result.Tip != "" {
			color.Yellow("tip: %s", result.Tip)
		}
		for _, qr := range result.QuickReplies {
			fmt.Printf("  -> %s\n", qr.Title)
		}
		if result.FallbackUsed {
			color.Magenta("(fallback model used: %s)", result.ModelUsed)
		}
		fmt.Printf("session: %s  model: %s\n", result.SessionID, result.ModelUsed)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUserID, "user", "demo-user", "user id to attribute the turn to")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "existing session id to resume (empty starts or resumes the most recent)")
	chatCmd.Flags().BoolVar(&chatUseMongo, "mongo", false, "connect to MongoDB for the product catalog (search_products/get_product_details) instead of running with no catalog wired")
}

// readMessage returns args[0] if present, else the first line read from
// stdin.
func readMessage(args []string) string {
	if len(args) > 0 {
		return strings.TrimSpace(args[0])
	}
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
