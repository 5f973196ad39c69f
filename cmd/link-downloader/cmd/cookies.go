package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-link-downloader/internal/cookies"
)

var cookiesCmd = &cobra.Command{
	Use:   "cookies",
	Short: "Inspect the credential bundle used for extraction",
}

var cookiesWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Log every change to the cookies file until interrupted",
	Long: `Watches the configured CookiesPath and logs when the file is created,
updated or removed. Useful to confirm that an external exporter is refreshing
the bundle the server reads on every extraction.`,
	Args: cobra.NoArgs,
	RunE: runCookiesWatch,
}

var cookiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a usable cookies file is present",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		path, ok := cookies.NewFileProvider(globalConfig.CookiesPath).Bundle()
		if !ok {
			log.Warnf("No usable cookies file at %s; extraction runs without credentials", globalConfig.CookiesPath)
			os.Exit(1)
		}
		log.Infof("Cookies file %s is present and non-empty", path)
	},
}

func init() {
	rootCmd.AddCommand(cookiesCmd)
	cookiesCmd.AddCommand(cookiesWatchCmd)
	cookiesCmd.AddCommand(cookiesCheckCmd)
}

func runCookiesWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cookies.NewWatcher(globalConfig.CookiesPath, nil).Watch(ctx)
}
