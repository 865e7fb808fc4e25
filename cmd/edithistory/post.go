package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/edithistory/internal/history"
	"github.com/spf13/cobra"
)

type postOptions struct {
	sender  string
	body    string
	encrypt bool
}

func (o *postOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.sender, "sender", "", "Sender user id")
	cmd.Flags().StringVar(&o.body, "body", "", "Message text")
	cmd.Flags().BoolVar(&o.encrypt, "encrypt", false, "Encrypt the event with the room key")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("body")
}

func newPostCommand() *cobra.Command {
	options := &postOptions{}
	cmd := &cobra.Command{
		Use:   "post ROOM_ID",
		Short: "Send an original message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := json.Marshal(map[string]string{"msgtype": "m.text", "body": options.body})
			if err != nil {
				return err
			}
			return runPost(cmd.Context(), cmd.OutOrStdout(), args[0], "", options, content)
		},
	}
	options.bind(cmd)
	return cmd
}

func newEditCommand() *cobra.Command {
	options := &postOptions{}
	cmd := &cobra.Command{
		Use:   "edit ROOM_ID MESSAGE_ID",
		Short: "Send a replacement for an existing message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := json.Marshal(map[string]any{
				"msgtype":       "m.text",
				"body":          "* " + options.body,
				"m.new_content": map[string]string{"msgtype": "m.text", "body": options.body},
				"m.relates_to":  map[string]string{"rel_type": "m.replace", "event_id": args[1]},
			})
			if err != nil {
				return err
			}
			return runPost(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], options, content)
		},
	}
	options.bind(cmd)
	return cmd
}

// runPost sends an original when messageID is empty and an edit otherwise.
func runPost(ctx context.Context, out io.Writer, roomID, messageID string, options *postOptions, content json.RawMessage) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.logger.Sync() //nolint:errcheck

	api, err := rt.client()
	if err != nil {
		return err
	}

	eventType := history.EventTypeMessage
	if options.encrypt {
		keys, err := rt.keyRing()
		if err != nil {
			return err
		}
		if keys == nil {
			return errMasterKeyRequired
		}
		content, err = keys.EncryptEvent(roomID, history.EventTypeMessage, content)
		if err != nil {
			return err
		}
		eventType = history.EventTypeEncrypted
	}

	ctx, cancel := context.WithTimeout(ctx, rt.config.ClientTimeout)
	defer cancel()

	if messageID == "" {
		created, err := api.CreateMessage(ctx, roomID, options.sender, eventType, content)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", created.EventID, time.UnixMilli(created.OriginServerTS).Format(time.RFC3339))
		return nil
	}
	created, err := api.AppendEdit(ctx, roomID, messageID, options.sender, eventType, content)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", created.EventID, time.UnixMilli(created.OriginServerTS).Format(time.RFC3339))
	return nil
}
