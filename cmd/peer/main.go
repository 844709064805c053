package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-relay/internal/logger"
	"github.com/rudransh-shrivastava/peer-relay/internal/peer"
	"github.com/rudransh-shrivastava/peer-relay/internal/ui"
)

var (
	serverAddr  string
	downloadDir string
	connectNow  bool
)

var rootCmd = &cobra.Command{
	Use:          "peer",
	Short:        "Share and download files through a peer-relay tracker",
	Long:         `peer shares local files with other peers and downloads theirs, relayed part by part through the tracker.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := downloadDir
		if !cmd.Flags().Changed("dir") {
			dir = ui.AskDownloadDir(peer.DefaultDownloadDir)
		}

		// Logs go to stderr so they do not tear through the shell.
		log := logger.New(os.Stderr, os.Getenv("LOG_LEVEL"))

		client, err := peer.NewClient(peer.Config{
			ServerAddr:  serverAddr,
			DownloadDir: dir,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		shell := ui.NewShell(client, os.Stdout)
		if connectNow {
			// Failures are shown by the shell; the user can retry with connect.
			_ = client.Connect(context.Background())
		}
		shell.Run()
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", peer.DefaultServerAddr(), "tracker address (host:port)")
	rootCmd.Flags().StringVarP(&downloadDir, "dir", "d", peer.DefaultDownloadDir, "download directory; asked interactively when not set")
	rootCmd.Flags().BoolVarP(&connectNow, "connect", "c", false, "connect to the tracker on start")
}

func main() {
	Execute()
}
