package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AndreasM009/agentstate-go/records"
	"github.com/AndreasM009/agentstate-go/store"
)

// recordFlags are the flags naming a record either by server id or by client key
type recordFlags struct {
	id    string
	scope string
	owner string
	key   string
}

func (f *recordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "server id of the record")
	cmd.Flags().StringVar(&f.scope, "scope", "", "application scope")
	cmd.Flags().StringVar(&f.owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&f.key, "key", "", "client key (server id or display name)")
}

func (f *recordFlags) validate() error {
	if f.id == "" && f.key == "" {
		return &ExitError{Code: ExitCommandError, Message: "one of --id or --key is required"}
	}
	if f.id == "" && (f.scope == "" || f.owner == "") {
		return &ExitError{Code: ExitCommandError, Message: "--key needs --scope and --owner"}
	}
	return nil
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage agent sessions",
	}

	cmd.AddCommand(newSessionCreateCommand(rootOpts))
	cmd.AddCommand(newSessionGetCommand(rootOpts))
	cmd.AddCommand(newSessionAppendCommand(rootOpts))
	cmd.AddCommand(newSessionEventsCommand(rootOpts))
	cmd.AddCommand(newSessionDeleteCommand(rootOpts))

	return cmd
}

func newSessionCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		scope, owner, key string
		attrs             []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := a.services.Sessions.Create(ctx, records.NewSession{
					AppScope:   scope,
					OwnerID:    owner,
					ClientKey:  key,
					Attributes: attributes,
				})
				if err != nil {
					return a.out.Error(err)
				}
				return a.out.Success(rec)
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "application scope")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&key, "key", "", "client key (display name) of the new record")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute as key=value, repeatable")

	return cmd
}

func newSessionGetCommand(rootOpts *RootOptions) *cobra.Command {
	var rf recordFlags

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rf.validate(); err != nil {
				return err
			}
			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := findSession(ctx, a, rf)
				if err != nil {
					return a.out.Error(err)
				}
				if rec == nil {
					return a.out.Error(store.NewError(store.EntityNotFound, "session not found", nil))
				}
				return a.out.Success(rec)
			})
		},
	}
	rf.register(cmd)

	return cmd
}

func newSessionAppendCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		rf                            recordFlags
		kind, role, text, correlation string
		attrs                         []string
	)

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to a session",
		Long: `Append queues the event in the write-behind cache and flushes it before
the command exits, the same path the agent runtime takes at the end of a turn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rf.validate(); err != nil {
				return err
			}
			eventKind := store.EventKind(kind)
			switch eventKind {
			case store.MessageEvent, store.RequestEvent, store.ResponseEvent:
			default:
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid --kind %q: must be message, request or response", kind)}
			}
			if eventKind != store.MessageEvent && correlation == "" {
				return &ExitError{Code: ExitCommandError, Message: "--correlation is required for request and response events"}
			}
			delta, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(map[string]string{"text": text})
			if err != nil {
				return err
			}

			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := findSession(ctx, a, rf)
				if err != nil {
					return a.out.Error(err)
				}
				if rec == nil {
					return a.out.Error(store.NewError(store.EntityNotFound, "session not found", nil))
				}

				event := store.NewEvent(eventKind, role, payload)
				event.CorrelationID = correlation
				if err := a.services.Sessions.AppendEvent(ctx, rec.ServerID, event, delta); err != nil {
					return a.out.Error(err)
				}
				if err := a.services.Sessions.Flush(ctx, rec.ServerID); err != nil {
					return a.out.Error(err)
				}
				a.logger.Debug("event appended", "server_id", rec.ServerID, "event_id", event.ID)

				updated, err := a.services.Sessions.GetByServerID(ctx, rec.ServerID)
				if err != nil {
					return a.out.Error(err)
				}
				return a.out.Success(updated)
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&kind, "kind", string(store.MessageEvent), "event kind (message|request|response)")
	cmd.Flags().StringVar(&role, "role", "user", "role of the event author")
	cmd.Flags().StringVar(&text, "text", "", "event text")
	cmd.Flags().StringVar(&correlation, "correlation", "", "correlation id linking a request to its response")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute change as key=value, repeatable")

	return cmd
}

func newSessionEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		rf  recordFlags
		raw bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the events of a session",
		Long: `Events prints the event log the agent runtime would receive at the start
of a turn: a trailing request without its response is cut off. Use --raw for
the stored log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rf.validate(); err != nil {
				return err
			}
			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				rec, err := findSession(ctx, a, rf)
				if err != nil {
					return a.out.Error(err)
				}
				if rec == nil {
					return a.out.Error(store.NewError(store.EntityNotFound, "session not found", nil))
				}
				if raw {
					return a.out.Success(rec.EventLog)
				}
				turn, err := a.services.Sessions.BeginTurn(ctx, rec.ServerID)
				if err != nil {
					return a.out.Error(err)
				}
				return a.out.Success(turn.Events)
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().BoolVar(&raw, "raw", false, "print the stored log without sanitizing")

	return cmd
}

func newSessionDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var rf recordFlags

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rf.validate(); err != nil {
				return err
			}
			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				serverID := rf.id
				if serverID == "" {
					rec, err := findSession(ctx, a, rf)
					if err != nil {
						return a.out.Error(err)
					}
					if rec == nil {
						// nothing to delete
						return a.out.Success("deleted")
					}
					serverID = rec.ServerID
				}
				if err := a.services.Sessions.Delete(ctx, serverID); err != nil {
					return a.out.Error(err)
				}
				return a.out.Success("deleted")
			})
		},
	}
	rf.register(cmd)

	return cmd
}

func findSession(ctx context.Context, a *app, rf recordFlags) (*store.Record, error) {
	if rf.id != "" {
		return a.services.Sessions.GetByServerID(ctx, rf.id)
	}
	return a.services.Sessions.GetByClientKey(ctx, rf.scope, rf.owner, rf.key)
}

// parseAttributes turns key=value pairs into an attribute map. Values that parse
// as JSON keep their type, everything else is a string.
func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid --attr %q: expected key=value", pair)}
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
			continue
		}
		out[key] = value
	}
	return out, nil
}
