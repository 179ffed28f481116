package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austinkregel/local-media/nowplayingd/internal/config"
	"github.com/austinkregel/local-media/nowplayingd/internal/ipc"
	"github.com/austinkregel/local-media/nowplayingd/internal/media"
)

const requestTimeout = 5 * time.Second

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List media sessions of a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <app>",
	Short: "Show the current track of an application",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print session, metadata and playback changes as they happen",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(listCmd, showCmd, watchCmd)
	for _, cmd := range []media.Command{media.CmdPrevious, media.CmdTogglePlayPause, media.CmdNext} {
		rootCmd.AddCommand(transportCmd(cmd))
	}
}

func transportCmd(cmd media.Command) *cobra.Command {
	use := cmd.String()
	if cmd == media.CmdPrevious {
		use = "prev"
	}
	return &cobra.Command{
		Use:   use + " <app>",
		Short: fmt.Sprintf("Send %s to an application", cmd),
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
			defer cancel()

			client, err := dialDaemon(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			app := media.AppID(args[0])
			if err := client.Command(ctx, app, cmd); err != nil {
				return notFoundHint(app, err)
			}
			return nil
		},
	}
}

// dialDaemon connects using the same socket resolution as the daemon
func dialDaemon(ctx context.Context) (*ipc.Client, error) {
	return ipc.Dial(ctx, clientSocket())
}

// clientSocket resolves the socket without creating a config file
func clientSocket() string {
	cfg := *config.DefaultConfig()
	if m := newConfigManager(); m.Read() == nil {
		cfg = m.Get()
	}
	return resolveSocket(cfg)
}

func notFoundHint(app media.AppID, err error) error {
	if media.IsNotFound(err) {
		return fmt.Errorf("no media session for %s", app)
	}
	return err
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	states, err := client.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("No media sessions")
		return nil
	}
	for _, s := range states {
		fmt.Printf("%-32s %-8s toggle=%t next=%t prev=%t\n", s.App, s.Status, s.CanToggle, s.CanSkipNext, s.CanSkipPrevious)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	client, err := dialDaemon(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	app := media.AppID(args[0])
	m, err := client.Metadata(ctx, app)
	if err != nil {
		return notFoundHint(app, err)
	}

	fmt.Printf("App:    %s\n", m.App)
	fmt.Printf("Title:  %s\n", m.Title)
	fmt.Printf("Artist: %s\n", m.Artist)
	if m.Album != "" {
		fmt.Printf("Album:  %s\n", m.Album)
	}
	if len(m.Artwork) > 0 {
		fmt.Printf("Artwork: %d bytes %s\n", len(m.Artwork), m.ArtworkType)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	client, err := dialDaemon(dialCtx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(dialCtx); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	return client.ReadPushes(ctx, func(p ipc.PushMessage) {
		enc.Encode(p)
	})
}
