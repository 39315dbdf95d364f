package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/mcdev12/heistsync/internal/engine"
	"github.com/mcdev12/heistsync/internal/protocol"
)

func newEngine() *engine.Engine {
	return engine.New(engine.Config{
		ServerURL:    viper.GetString(serverURLKey),
		IdentityPath: identityPath(),
	}, clockwork.NewRealClock())
}

// runSession drives the interactive loop: engine events print to the console,
// stdin lines become commands.
func runSession(ctx context.Context, eng *engine.Engine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer eng.Close()

	subscribeConsole(eng)

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(ctx)
	}()

	go readCommands(ctx, eng, cancel)

	err := <-runErr
	if err == context.Canceled {
		return nil
	}
	return err
}

func subscribeConsole(eng *engine.Engine) {
	bus := eng.Bus()

	bus.On(protocol.EventTypeChatMessage, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.ChatMessagePayload)
		fmt.Printf("[chat] %s: %s\n", p.PlayerName, p.Message)
	})
	bus.On(protocol.EventTypeStageAdvanced, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.StageAdvancedPayload)
		fmt.Printf("*** stage %d ***\n", p.Stage)
	})
	bus.On(protocol.EventTypeCompletionRecorded, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.CompletionRecordedPayload)
		fmt.Printf("[done] %s finished stage %d\n", p.PlayerID, p.Stage)
	})
	bus.On(protocol.EventTypeVoteOpened, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.VoteOpenedPayload)
		fmt.Printf("[vote] %s wants to extend the timer, /vote yes|no (%ds)\n", p.InitiatorName, p.TimeLimitSec)
	})
	bus.On(protocol.EventTypeVoteResolved, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.VoteResolvedPayload)
		if p.Success {
			fmt.Println("[vote] passed, timer extended")
		} else {
			fmt.Println("[vote] failed")
		}
	})
	bus.On(protocol.EventTypeRandomEvent, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.RandomEventPayload)
		fmt.Printf("[alert] %s for %ds\n", p.Event, p.Duration)
	})
	bus.On(protocol.EventTypeLookoutWarning, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.LookoutWarningPayload)
		fmt.Printf("[lookout] %s\n", p.Message)
	})
	bus.On(protocol.EventTypeSessionEnded, func(_ protocol.Event, payload interface{}) {
		p := payload.(protocol.SessionEndedPayload)
		fmt.Printf("*** session over: %s (%s) ***\n", p.Result, p.Reason)
	})
	bus.On(engine.EventConnectionClosed, func(_ protocol.Event, _ interface{}) {
		fmt.Println("[net] connection lost, reconnecting...")
	})
	bus.On(engine.EventConnectionResumed, func(_ protocol.Event, _ interface{}) {
		fmt.Println("[net] reconnected")
	})
	bus.On(engine.EventConnectionLost, func(_ protocol.Event, _ interface{}) {
		fmt.Println("[net] connection lost for good")
	})
}

func readCommands(ctx context.Context, eng *engine.Engine, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleCommand(eng, line, cancel); err != nil {
			fmt.Println("error:", err)
		}
	}
}

func handleCommand(eng *engine.Engine, line string, cancel context.CancelFunc) error {
	if !strings.HasPrefix(line, "/") {
		return eng.SendChat(line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		cancel()
		return nil

	case "/state":
		printState(eng)
		return nil

	case "/role":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /role <name>")
		}
		return eng.SelectRole(strings.Join(fields[1:], " "))

	case "/start":
		return eng.StartGame()

	case "/done":
		state := eng.State()
		if state == nil {
			return fmt.Errorf("no session")
		}
		stage := state.Stage
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Errorf("usage: /done [stage]")
			}
			stage = n
		}
		return eng.SubmitCompletion(stage, json.RawMessage(`{}`))

	case "/extend":
		return eng.RequestVote()

	case "/vote":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /vote yes|no")
		}
		return eng.CastVote(fields[1] == "yes")

	case "/power":
		return eng.UsePower()

	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func printState(eng *engine.Engine) {
	state := eng.State()
	if state == nil {
		fmt.Println("no session")
		return
	}
	fmt.Printf("session %s  status=%s  stage=%d  timer=%ds  alert=%d\n",
		state.SessionID, state.Status, state.Stage, state.TimerSeconds, state.AlertLevel)
	for _, p := range state.Players {
		mark := " "
		if state.StageCompletion[state.Stage][p.ID] {
			mark = "✓"
		}
		conn := "online"
		if !p.Connected {
			conn = "offline"
		}
		host := ""
		if p.IsHost {
			host = " (host)"
		}
		fmt.Printf("  %s %s [%s] %s%s\n", mark, p.Name, p.Role, conn, host)
	}
	if state.ActiveVote != nil {
		fmt.Printf("  vote open: %d/%d ballots\n", len(state.ActiveVote.Ballots), state.ActiveVote.RequiredCount)
	}
}

func playerName() (string, error) {
	name := viper.GetString(playerNameKey)
	if name == "" {
		return "", fmt.Errorf("player name required (--name or HEIST_PLAYER_NAME)")
	}
	return name, nil
}

func logStart(action, code string) {
	log.Info().Str("action", action).Str("room", code).Msg("session starting")
}
