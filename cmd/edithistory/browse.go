package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/MarcoPoloResearchLab/edithistory/internal/browser"
	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
)

func newBrowseCommand() *cobra.Command {
	var encrypted bool
	cmd := &cobra.Command{
		Use:   "browse ROOM_ID MESSAGE_ID",
		Short: "Page through the edit history of a message interactively",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrowse(cmd.Context(), args[0], args[1], encrypted)
		},
	}
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "Read edits of an encrypted room")
	return cmd
}

func runBrowse(ctx context.Context, roomID, messageID string, encrypted bool) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.logger.Sync() //nolint:errcheck

	fetcher, err := rt.client()
	if err != nil {
		return err
	}
	formatter, err := rt.formatter()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var program *tea.Program
	send := func(msg tea.Msg) { program.Send(msg) }

	engine, err := history.NewEngine(history.EngineConfig{
		MessageID:     messageID,
		RoomID:        roomID,
		Encrypted:     encrypted,
		PageSize:      rt.config.PageSize,
		FormatWorkers: rt.config.FormatWorkers,
		Fetcher:       fetcher,
		Formatter:     formatter,
		Coordinator:   browser.Coordinator(send),
		Logger:        rt.logger,
		Location:      time.Local,
	})
	if err != nil {
		return err
	}

	program = tea.NewProgram(browser.New(engine, time.Local), tea.WithAltScreen(), tea.WithContext(ctx))
	engine.Subscribe(browser.Observer(send))

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	_, err = program.Run()
	cancel()
	<-runDone
	return err
}
