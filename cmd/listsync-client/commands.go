package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/reconcile"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

var errQuit = errors.New("quit")

// commandTimeout bounds commands that ask the server directly.
const commandTimeout = 10 * time.Second

// execute runs one REPL line. It reports true when the user asked to quit.
func (s *session) execute(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := s.commands()
	cmd.SetArgs(args)
	cmd.SetOut(s.out)
	cmd.SetErr(s.out)
	err := cmd.ExecuteContext(ctx)
	if errors.Is(err, errQuit) {
		return true
	}
	if err != nil {
		s.println(renderError(err.Error()))
	}
	return false
}

func (s *session) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "listsync",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	var priority string
	add := &cobra.Command{
		Use:   "add <title...>",
		Short: "Add an item to the end of the list",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := s.engine.Submit(reconcile.Intent{
				Kind:     reconcile.KindCreate,
				Title:    strings.Join(args, " "),
				Priority: records.Priority(priority),
			})
			return err
		},
	}
	add.Flags().StringVarP(&priority, "priority", "p", "", "low, medium or high")

	root.AddCommand(
		add,
		s.itemCommand("done <row|id>", "Toggle an item's completion", func(item records.Item) reconcile.Intent {
			return reconcile.Intent{Kind: reconcile.KindToggle, ItemID: item.ID}
		}),
		s.itemCommand("rm <row|id>", "Delete an item", func(item records.Item) reconcile.Intent {
			return reconcile.Intent{Kind: reconcile.KindDelete, ItemID: item.ID}
		}),
		&cobra.Command{
			Use:   "edit <row|id> <title...>",
			Short: "Rename an item",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				item, err := s.resolve(args[0])
				if err != nil {
					return err
				}
				title := strings.Join(args[1:], " ")
				_, err = s.engine.Submit(reconcile.Intent{
					Kind:   reconcile.KindUpdate,
					ItemID: item.ID,
					Delta:  records.FieldDelta{Title: &title},
				})
				return err
			},
		},
		&cobra.Command{
			Use:   "note <row|id> [text...]",
			Short: "Set an item's description; no text clears it",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				item, err := s.resolve(args[0])
				if err != nil {
					return err
				}
				delta := records.FieldDelta{Description: records.Null[string]()}
				if len(args) > 1 {
					delta.Description = records.Some(strings.Join(args[1:], " "))
				}
				_, err = s.engine.Submit(reconcile.Intent{Kind: reconcile.KindUpdate, ItemID: item.ID, Delta: delta})
				return err
			},
		},
		&cobra.Command{
			Use:   "mv <row|id> <row>",
			Short: "Move an item to another row",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				item, err := s.resolve(args[0])
				if err != nil {
					return err
				}
				row, err := strconv.Atoi(args[1])
				if err != nil || row < 1 {
					return fmt.Errorf("invalid row %q", args[1])
				}
				_, err = s.engine.Submit(reconcile.Intent{Kind: reconcile.KindReorder, ItemID: item.ID, NewPosition: row - 1})
				return err
			},
		},
		&cobra.Command{
			Use:     "ls",
			Aliases: []string{"list"},
			Short:   "Show the list",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.printf("%s", renderItems(s.listID, s.engine.Items()))
				return nil
			},
		},
		&cobra.Command{
			Use:   "who",
			Short: "Show who else is on the list",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				users, err := s.presenceFor(cmd.Context())
				if err != nil {
					return fmt.Errorf("fetch presence: %w", err)
				}
				s.println(renderPresence(users))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <row|id>",
			Short: "Show an item as the server has it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				item, err := s.resolve(args[0])
				if err != nil {
					return err
				}
				if reconcile.IsTempID(item.ID) {
					return fmt.Errorf("%s is not on the server yet", item.Title)
				}
				remote, err := s.api.GetItem(cmd.Context(), s.listID, item.ID)
				if err != nil {
					return fmt.Errorf("fetch item: %w", err)
				}
				s.printf("%s", renderItemDetail(remote))
				return nil
			},
		},
		&cobra.Command{
			Use:   "typing <on|off>",
			Short: "Tell others you are typing",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.engine.SetTyping(args[0] == "on")
			},
		},
		&cobra.Command{
			Use:   "select [row|id]",
			Short: "Highlight an item for others; no argument clears",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 0 {
					return s.engine.SetSelecting(nil)
				}
				item, err := s.resolve(args[0])
				if err != nil {
					return err
				}
				return s.engine.SetSelecting(&item.ID)
			},
		},
		&cobra.Command{
			Use:   "conflicts",
			Short: "Show unresolved conflicts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				conflicts := s.engine.Conflicts()
				if len(conflicts) == 0 {
					s.println(mutedStyle.Render("no conflicts"))
				}
				for _, record := range conflicts {
					s.println(renderConflict(record))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "resolve <item-id> <keep|retry>",
			Short: "Keep the server's version or re-apply your changes on top of it",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				switch args[1] {
				case "keep":
					if !s.engine.DismissConflict(args[0]) {
						return fmt.Errorf("%w: no conflict for %s", reconcile.ErrUnknownItem, args[0])
					}
					return nil
				case "retry":
					_, err := s.engine.RetryConflict(args[0])
					return err
				default:
					return fmt.Errorf("expected keep or retry, got %q", args[1])
				}
			},
		},
		&cobra.Command{
			Use:   "pending",
			Short: "Show changes not yet confirmed by the server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, op := range s.engine.Pending() {
					s.println(fmt.Sprintf("%s %-8s %s retries=%d", mutedStyle.Render(op.ID), op.Kind, op.ItemID, op.RetryCount))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "retry",
			Short: "Retry unsent changes now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.engine.RetryFailed()
				return nil
			},
		},
		&cobra.Command{
			Use:   "discard",
			Short: "Throw away every unsent change",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.engine.ClearQueue()
				return nil
			},
		},
		&cobra.Command{
			Use:   "offline",
			Short: "Pause sending; changes queue locally",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.engine.SetOnline(false)
				return nil
			},
		},
		&cobra.Command{
			Use:   "online",
			Short: "Resume sending queued changes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s.engine.SetOnline(true)
				return nil
			},
		},
		&cobra.Command{
			Use:     "quit",
			Aliases: []string{"exit", "q"},
			Short:   "Leave the list",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return errQuit
			},
		},
	)
	return root
}

func (s *session) itemCommand(use, short string, build func(records.Item) reconcile.Intent) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := s.resolve(args[0])
			if err != nil {
				return err
			}
			_, err = s.engine.Submit(build(item))
			return err
		},
	}
}
