package main

import (
	"github.com/spf13/cobra"

	"github.com/keshucs12345/dialogturn/internal/devserver"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development dialogue service",
	Long: `serve runs a local dialogue service for development. Replies come from an
OpenAI chat model when devserver.openai_api_key is set and echo the input
otherwise. Voice sessions are transcribed with Deepgram when
devserver.deepgram_api_key is set. Messages starting with '#' trigger canned
replies (#media, #buttons, #cards, #expert, #main, #followup).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := signalContext()
		defer cancel()
		e.serveMetrics(ctx)

		addr := e.cfg.DevServer.Listen
		if serveListen != "" {
			addr = serveListen
		}
		srv := devserver.New(devserver.FromConfig(e.cfg, e.logger), e.logger)
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default devserver.listen)")
}
