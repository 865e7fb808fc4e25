package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/spf13/cobra"
)

func newShowCommand() *cobra.Command {
	var encrypted bool
	cmd := &cobra.Command{
		Use:   "show ROOM_ID MESSAGE_ID",
		Short: "Load the complete edit history of a message and print it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], encrypted)
		},
	}
	cmd.Flags().BoolVar(&encrypted, "encrypted", false, "Read edits of an encrypted room")
	return cmd
}

func runShow(ctx context.Context, out io.Writer, roomID, messageID string, encrypted bool) error {
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

	engine, err := history.NewEngine(history.EngineConfig{
		MessageID:     messageID,
		RoomID:        roomID,
		Encrypted:     encrypted,
		PageSize:      rt.config.PageSize,
		FormatWorkers: rt.config.FormatWorkers,
		Fetcher:       fetcher,
		Formatter:     formatter,
		Logger:        rt.logger,
		Location:      time.Local,
	})
	if err != nil {
		return err
	}

	state, err := loadAll(ctx, engine)
	if err != nil {
		return err
	}
	printState(out, state, time.Local)
	return nil
}

// loadAll pages through the history until every revision is loaded.
func loadAll(ctx context.Context, engine *history.Engine) (history.LoadState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Each started load publishes exactly two snapshots.
	states := make(chan history.LoadState, 4)
	engine.Subscribe(func(state history.LoadState) {
		select {
		case states <- state:
		case <-ctx.Done():
		}
	})

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()
	defer func() {
		engine.RequestClose()
		cancel()
		<-runDone
	}()

	for {
		if !engine.RequestLoadMore() {
			return engine.Latest(), nil
		}
		state, err := awaitSettled(ctx, states)
		if err != nil {
			return history.LoadState{}, err
		}
		switch {
		case state.Phase == history.PhaseFailed:
			return state, fmt.Errorf("load edit history: %w", state.Err)
		case state.AllDataLoaded:
			return state, nil
		}
	}
}

func awaitSettled(ctx context.Context, states <-chan history.LoadState) (history.LoadState, error) {
	for {
		select {
		case <-ctx.Done():
			return history.LoadState{}, ctx.Err()
		case state := <-states:
			if state.Phase != history.PhaseLoading {
				return state, nil
			}
		}
	}
}

func printState(out io.Writer, state history.LoadState, location *time.Location) {
	if state.UnitCount() == 0 {
		fmt.Fprintln(out, "no revisions")
		return
	}
	for index, section := range state.Sections {
		if index > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, section.Day.String())
		for _, unit := range section.Units {
			marker := ""
			if unit.Original {
				marker = " (original)"
			}
			fmt.Fprintf(out, "  %s  %s  %s%s\n",
				unit.Timestamp.In(location).Format("15:04:05"),
				unit.Content.SenderID,
				unit.Content.Body,
				marker)
		}
	}
}
