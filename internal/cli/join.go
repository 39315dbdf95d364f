package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcdev12/heistsync/internal/lobby"
)

var joinCmd = &cobra.Command{
	Use:   "join ROOM_CODE",
	Short: "Join an existing session by room code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := playerName()
		if err != nil {
			return err
		}

		room, err := lobby.NewClient(viper.GetString(serverURLKey)).JoinRoom(args[0], name)
		if err != nil {
			return err
		}
		fmt.Printf("joined room %s\n", room.RoomCode)

		eng := newEngine()
		if err := eng.Join(cmd.Context(), room.RoomCode, room.PlayerID, name); err != nil {
			return err
		}
		logStart("join", room.RoomCode)
		return runSession(cmd.Context(), eng)
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
