// ABOUTME: Customer-side chat: one room, optimistic sends, and exit
// ABOUTME: Creates a room when none is given

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const widgetHelp = `  /history  load older messages
  /retry    resend failed messages
  /exit     leave the consultation
  /quit     disconnect without leaving`

func newWidgetCmd(load profileLoader) *cobra.Command {
	var roomID int64

	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Join a consultation as the customer",
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

			if roomID == 0 {
				detail, err := s.api.CreateRoom(ctx, p.UserID)
				if err != nil {
					return err
				}
				roomID = detail.RoomID
				color.Green("Created room %d, waiting for an agent.", roomID)
			}
			if err := s.openRoom(ctx, roomID); err != nil {
				return err
			}
			fmt.Println(color.HiBlackString(widgetHelp))

			return readLines(ctx, os.Stdin, func(line string) (bool, error) {
				return s.widgetLine(ctx, roomID, line)
			})
		},
	}
	cmd.Flags().Int64Var(&roomID, "room", 0, "existing room to rejoin")
	return cmd
}

func (s *chatSession) widgetLine(ctx context.Context, roomID int64, line string) (bool, error) {
	c := parseCommand(line)
	switch c.Name {
	case "":
		if c.Text == "" {
			return false, nil
		}
		_, err := s.manager.Send(ctx, roomID, c.Text)
		return false, err
	case "history":
		return false, s.loadHistory(ctx, roomID)
	case "retry":
		n, err := s.retryFailed(ctx, roomID)
		if n == 0 && err == nil {
			fmt.Fprintln(s.out, color.HiBlackString("  nothing to retry"))
		}
		return false, err
	case "exit":
		return true, s.manager.CustomerExit(ctx, roomID)
	case "quit":
		return true, nil
	case "help":
		fmt.Fprintln(s.out, color.HiBlackString(widgetHelp))
		return false, nil
	}
	return false, fmt.Errorf("unknown command /%s", c.Name)
}
