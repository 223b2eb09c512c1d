package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AndreasM009/agentstate-go/records"
	"github.com/AndreasM009/agentstate-go/store"
)

// NewTaskCommand creates the task command group.
func NewTaskCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage background tasks",
	}

	cmd.AddCommand(newTaskCreateCommand(rootOpts))
	cmd.AddCommand(newTaskProgressCommand(rootOpts))

	return cmd
}

func newTaskCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var scope, owner, key, title string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				t, err := a.services.Tasks.Create(ctx, &records.Task{
					Record: store.Record{ClientKey: key, AppScope: scope, OwnerID: owner},
					Title:  title,
					Status: records.TaskPending,
				})
				if err != nil {
					return a.out.Error(err)
				}
				return a.out.Success(newTaskView(t))
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "application scope")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&key, "key", "", "client key (display name) of the new record")
	cmd.Flags().StringVar(&title, "title", "", "task title")

	return cmd
}

func newTaskProgressCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		rf       recordFlags
		status   string
		progress float64
		text     string
	)

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Report task status and progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rf.validate(); err != nil {
				return err
			}
			if !records.TaskStatus(status).Valid() {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid --status %q", status)}
			}
			return run(cmd, rootOpts, func(ctx context.Context, a *app) error {
				serverID := rf.id
				if serverID == "" {
					t, err := a.services.Tasks.GetByClientKey(ctx, rf.scope, rf.owner, rf.key)
					if err != nil {
						return a.out.Error(err)
					}
					if t == nil {
						return a.out.Error(store.NewError(store.EntityNotFound, "task not found", nil))
					}
					serverID = t.ServerID
				}
				t, err := a.services.Tasks.UpdateProgress(ctx, serverID, records.TaskStatus(status), progress, text)
				if err != nil {
					return a.out.Error(err)
				}
				return a.out.Success(newTaskView(t))
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().StringVar(&status, "status", string(records.TaskRunning), "task status (pending|running|completed|failed|cancelled)")
	cmd.Flags().Float64Var(&progress, "progress", 0, "progress in percent (0-100)")
	cmd.Flags().StringVar(&text, "text", "", "progress message")

	return cmd
}

// taskView is what the task commands print
type taskView struct {
	ServerID  string                    `json:"id"`
	ClientKey string                    `json:"clientKey"`
	Version   int64                     `json:"version"`
	Title     string                    `json:"title,omitempty"`
	Status    records.TaskStatus        `json:"status"`
	Progress  float64                   `json:"progress"`
	Messages  []records.ProgressMessage `json:"progressMessages,omitempty"`
}

func newTaskView(t *records.Task) taskView {
	return taskView{
		ServerID:  t.ServerID,
		ClientKey: t.ClientKey,
		Version:   t.Version,
		Title:     t.Title,
		Status:    t.Status,
		Progress:  t.Progress,
		Messages:  t.ProgressMessages,
	}
}

func (v taskView) String() string {
	s := fmt.Sprintf("id:       %s\nkey:      %s\nversion:  %d\nstatus:   %s\nprogress: %.2f", v.ServerID, v.ClientKey, v.Version, v.Status, v.Progress)
	if v.Title != "" {
		s += "\ntitle:    " + v.Title
	}
	for _, m := range v.Messages {
		s += fmt.Sprintf("\n  [%.2f] %s", m.Progress, m.Text)
	}
	return s
}
