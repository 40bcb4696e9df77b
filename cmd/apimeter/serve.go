package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voyagelab/apimeter/bootstrap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the telemetry engine",
	Long: `Start the HTTP server, the realtime stream and, when a database
is configured, the persistence flush loop.

With --watch (the default), edits to the config file and SIGHUP
reload the reloadable fields without a restart.

Examples:
  apimeter serve
  apimeter serve --config /etc/apimeter/apimeter.yaml
  apimeter serve --watch=false`,
	RunE: runServe,
}

var serveWatch bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload config on file change and SIGHUP")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(bootstrap.Options{
		ConfigPath: cfgFile,
		Watch:      serveWatch && cfgFile != "",
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return app.Run()
}
