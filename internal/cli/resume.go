package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcdev12/heistsync/internal/reconnect"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the previously joined session from persisted identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng := newEngine()

		// The event loop must be running before Resume: rehydration waits
		// for a snapshot the loop applies.
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		defer eng.Close()

		subscribeConsole(eng)

		runErr := make(chan error, 1)
		go func() {
			runErr <- eng.Run(ctx)
		}()

		ident, err := eng.Resume(ctx)
		if errors.Is(err, reconnect.ErrNoIdentity) {
			cancel()
			<-runErr
			return fmt.Errorf("nothing to resume; use 'heist join' or 'heist create'")
		}
		if errors.Is(err, reconnect.ErrAbandoned) {
			cancel()
			<-runErr
			return fmt.Errorf("session could not be resumed: %v", err)
		}
		if err != nil {
			cancel()
			<-runErr
			return err
		}

		fmt.Printf("resumed session %s as %s\n", ident.SessionID, ident.PlayerName)
		printState(eng)
		logStart("resume", ident.SessionID)

		go readCommands(ctx, eng, cancel)

		if err := <-runErr; err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
