package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcdev12/heistsync/internal/lobby"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session and wait in its lobby as host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := playerName()
		if err != nil {
			return err
		}

		room, err := lobby.NewClient(viper.GetString(serverURLKey)).CreateRoom(name)
		if err != nil {
			return err
		}
		fmt.Printf("room %s created, share the code with your crew\n", room.RoomCode)

		eng := newEngine()
		if err := eng.Join(cmd.Context(), room.RoomCode, room.PlayerID, name); err != nil {
			return err
		}
		logStart("create", room.RoomCode)
		return runSession(cmd.Context(), eng)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
