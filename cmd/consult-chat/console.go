// ABOUTME: Agent-side chat: many rooms, claiming, status changes, and ending consultations
// ABOUTME: Text lines go to the current room

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/consult-session/internal/assign"
	"github.com/2389/consult-session/internal/session"
)

const consoleHelp = `  /waiting            list rooms waiting for an agent
  /open ID            subscribe to a room and make it current
  /use ID             switch the current room
  /rooms              list open rooms
  /claim [ID]         take a room
  /status STATUS [ID] set OPEN, WAITING, or CLOSED
  /end [ID]           close the consultation
  /leave [ID]         unsubscribe without closing
  /history [ID]       load older messages
  /retry [ID]         resend failed messages
  /quit               disconnect`

func newConsoleCmd(load profileLoader) *cobra.Command {
	var open []int64

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Handle consultations as an agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			s := newChatSession(p, os.Stdout, logger)
			if err := s.start(ctx); err != nil {
				return err
			}
			defer s.stop()

			con := &console{chatSession: s}
			for _, id := range open {
				if err := con.open(ctx, id); err != nil {
					return err
				}
			}
			if err := con.listWaiting(ctx); err != nil {
				logger.Warn("listing waiting rooms", "error", err)
			}
			fmt.Println(color.HiBlackString(consoleHelp))

			return readLines(ctx, os.Stdin, func(line string) (bool, error) {
				return con.line(ctx, line)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&open, "room", nil, "rooms to open on start")
	return cmd
}

type console struct {
	*chatSession
	current int64
}

func (c *console) open(ctx context.Context, roomID int64) error {
	if err := c.openRoom(ctx, roomID); err != nil {
		return err
	}
	c.current = roomID
	return nil
}

func (c *console) listWaiting(ctx context.Context) error {
	rooms, err := c.api.ListRooms(ctx, session.StatusWaiting)
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		fmt.Fprintln(c.out, color.HiBlackString("  no rooms waiting"))
		return nil
	}
	for _, r := range rooms {
		fmt.Fprintf(c.out, "  room %d  customer %d  since %s\n",
			r.RoomID, r.CustomerID, r.LastActivityAt.Local().Format("15:04"))
	}
	return nil
}

func (c *console) line(ctx context.Context, line string) (bool, error) {
	cmd := parseCommand(line)
	switch cmd.Name {
	case "":
		if cmd.Text == "" {
			return false, nil
		}
		if c.current == 0 {
			return false, errors.New("no room selected, use /open ID")
		}
		_, err := c.manager.Send(ctx, c.current, cmd.Text)
		return false, err

	case "waiting":
		return false, c.listWaiting(ctx)

	case "open":
		id, err := roomArg(cmd.Args, 0, 0)
		if err != nil {
			return false, err
		}
		return false, c.open(ctx, id)

	case "use":
		id, err := roomArg(cmd.Args, 0, 0)
		if err != nil {
			return false, err
		}
		if _, ok := c.manager.Room(id); !ok {
			return false, fmt.Errorf("room %d is not open", id)
		}
		c.current = id
		return false, nil

	case "rooms":
		for _, r := range c.manager.Rooms() {
			marker := " "
			if r.RoomID == c.current {
				marker = "*"
			}
			state, _ := c.manager.SubscriptionState(r.RoomID)
			fmt.Fprintf(c.out, " %s room %d  %s  [%s]\n", marker, r.RoomID, describeRoom(r), state)
		}
		return false, nil

	case "claim":
		id, err := roomArg(cmd.Args, 0, c.current)
		if err != nil {
			return false, err
		}
		_, err = c.manager.Claim(ctx, id)
		if errors.Is(err, assign.ErrAssignmentConflict) {
			// Already reported through the event stream.
			return false, nil
		}
		return false, err

	case "status":
		if len(cmd.Args) == 0 {
			return false, errors.New("usage: /status STATUS [ID]")
		}
		status, err := session.ParseStatus(strings.ToUpper(cmd.Args[0]))
		if err != nil {
			return false, err
		}
		id, err := roomArg(cmd.Args, 1, c.current)
		if err != nil {
			return false, err
		}
		return false, c.manager.UpdateStatus(ctx, id, status)

	case "end":
		id, err := roomArg(cmd.Args, 0, c.current)
		if err != nil {
			return false, err
		}
		err = c.manager.EndConsultation(ctx, id)
		c.forget(id)
		return false, err

	case "leave":
		id, err := roomArg(cmd.Args, 0, c.current)
		if err != nil {
			return false, err
		}
		err = c.manager.CloseRoom(id)
		c.forget(id)
		return false, err

	case "history":
		id, err := roomArg(cmd.Args, 0, c.current)
		if err != nil {
			return false, err
		}
		return false, c.loadHistory(ctx, id)

	case "retry":
		id, err := roomArg(cmd.Args, 0, c.current)
		if err != nil {
			return false, err
		}
		_, err = c.retryFailed(ctx, id)
		return false, err

	case "help":
		fmt.Fprintln(c.out, color.HiBlackString(consoleHelp))
		return false, nil

	case "quit":
		return true, nil
	}
	return false, fmt.Errorf("unknown command /%s", cmd.Name)
}

func (c *console) forget(roomID int64) {
	c.mu.Lock()
	delete(c.cursors, roomID)
	c.mu.Unlock()
	if c.current == roomID {
		c.current = 0
	}
}
