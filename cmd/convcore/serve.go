package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/scoopai/convcore/pkg/engine"
	"github.com/scoopai/convcore/pkg/hybrid"
	"github.com/scoopai/convcore/pkg/llmclient/fakellm"
)

var (
	serveUserID    string
	serveSessionID string
	serveUseMongo  bool
)

var serveDemoCmd = &cobra.Command{
	Use:   "serve-demo [message]",
	Short: "Run one Engine.StreamMessage turn, printing SSE-shaped events as they arrive",
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
		if serveUseMongo {
			c, closeCatalog, err := connectCatalog(ctx, cfg, llm.Embed)
			if err != nil {
				color.Red("mongo catalog connect failed: %s", err)
				os.Exit(1)
			}
			defer closeCatalog()
			catalog = c
		}

		e := engine.New(llm, hyb, newDemoStore(), demoCompactor{}, nil, catalog, engine.DefaultConfig())

		for ev := range e.StreamMessage(ctx, serveUserID, message, serveSessionID) {
			printEvent(ev)
		}
	},
}

func init() {
	serveDemoCmd.Flags().StringVar(&serveUserID, "user", "demo-user", "user id to attribute the turn to")
	serveDemoCmd.Flags().StringVar(&serveSessionID, "session", "", "existing session id to resume (empty starts or resumes the most recent)")
	serveDemoCmd.Flags().BoolVar(&serveUseMongo, "mongo", false, "connect to MongoDB for the product catalog (search_products/get_product_details) instead of running with no catalog wired")
}

// printEvent renders one Event the way a real SSE consumer would see it,
// one "event: kind\ndata: ...\n" frame at a time.
func printEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventThinking:
		color.Yellow("event: thinking (step %d)\ndata: %s\n", ev.Step, ev.Content)
	case engine.EventText:
		color.Green("event: text\ndata: %s\n", ev.Content)
	case engine.EventProducts:
		color.Cyan("event: products\ndata: %s\n", ev.Content)
	case engine.EventTip:
		color.Magenta("event: tip\ndata: %s\n", ev.Content)
	case engine.EventQuickReplies:
		var titles []string
		for _, qr := range ev.Replies {
			titles = append(titles, qr.Title)
		}
		fmt.Printf("event: quick_replies\ndata: %v\n", titles)
	case engine.EventDone:
		color.Blue("event: done\ndata: success=%v session=%s model=%s fallback=%v elapsed=%.2fs\n",
			ev.Success, ev.SessionID, ev.ModelUsed, ev.FallbackUsed, ev.ElapsedSeconds)
	case engine.EventError:
		color.Red("event: error\ndata: %s\n", ev.Err)
		os.Exit(1)
	}
}
