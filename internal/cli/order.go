package cli

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/g960059/chanpool/internal/autosort"
	"github.com/g960059/chanpool/internal/reorder"
)

func (r *Runner) orderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Show and change a protocol's channel order",
	}
	cmd.AddCommand(r.orderShowCommand(), r.orderMoveCommand(), r.orderAutosortCommand())
	return cmd
}

func (r *Runner) orderShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <protocol>",
		Short: "Show the channel order for one protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProtocolArg(args[0], false)
			if err != nil {
				return err
			}
			env, err := r.client.ListChannels(cmd.Context(), p)
			if err != nil {
				return err
			}
			r.print(toChannelRows(env.Channels))
			return nil
		},
	}
}

// loadController fetches the current state into a fresh controller.
func (r *Runner) loadController(ctx context.Context) (*reorder.Controller, error) {
	ctrl := r.controller()
	if err := ctrl.Refresh(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func (r *Runner) orderMoveCommand() *cobra.Command {
	var (
		before string
		toEnd  bool
	)
	cmd := &cobra.Command{
		Use:   "move <protocol> <id>",
		Short: "Move a channel before another one or to the end",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProtocolArg(args[0], false)
			if err != nil {
				return err
			}
			if (before == "") == !toEnd {
				return usagef("exactly one of --before or --end is required")
			}
			ctx := cmd.Context()
			ctrl, err := r.loadController(ctx)
			if err != nil {
				return err
			}
			id := args[1]
			if !ctrl.BeginDrag(p, id) {
				return fmt.Errorf("channel %s is not in the %s order", id, p)
			}
			var (
				pending *reorder.Pending
				ok      bool
			)
			if toEnd {
				pending, ok = ctrl.DropAtEnd(p)
			} else {
				target, err := beforeTarget(ctrl.Order(p), id, before)
				if err != nil {
					ctrl.Cancel(p)
					return fmt.Errorf("%w in the %s order", err, p)
				}
				pending, ok = ctrl.DropOnRow(p, target)
			}
			if !ok {
				return errors.New("drag session was lost")
			}
			return r.finish(ctx, ctrl, pending)
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "place the channel before this channel id")
	cmd.Flags().BoolVar(&toEnd, "end", false, "place the channel last")
	return cmd
}

func (r *Runner) orderAutosortCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "autosort <protocol>",
		Short: "Show, and optionally apply, the suggested order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseProtocolArg(args[0], false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ctrl, err := r.loadController(ctx)
			if err != nil {
				return err
			}
			prop := ctrl.Propose(p)
			if !prop.Changed {
				_, _ = fmt.Fprintf(r.out, "%s channels are already in the suggested order\n", p)
				return nil
			}
			r.print(toMoveRows(prop.Moves))
			if !apply {
				return nil
			}
			pending, _, err := ctrl.ApplyAutoSort(prop)
			if err != nil {
				return err
			}
			return r.finish(ctx, ctrl, pending)
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "persist the suggested order")
	return cmd
}

// finish persists a committed order and prints the order the daemon reports
// afterwards.
func (r *Runner) finish(ctx context.Context, ctrl *reorder.Controller, pending *reorder.Pending) error {
	res := pending.Persist(ctx)
	if res.Outcome == reorder.OutcomeRolledBack {
		return fmt.Errorf("order not saved: %w", res.Err)
	}
	if res.RefreshErr != nil {
		_, _ = fmt.Fprintf(r.errOut, "warning: order saved but reload failed: %v\n", res.RefreshErr)
	}
	rows := make([]OrderRow, 0, len(res.Order))
	for i, ch := range ctrl.Channels(res.Protocol) {
		rows = append(rows, OrderRow{Position: i, ID: ch.ID, Name: ch.Name, Enabled: ch.Enabled, Cost: formatCost(autosort.CostFactor(ch))})
	}
	r.print(rows)
	return nil
}

type OrderRow struct {
	Position int    `table:"POS" json:"position" yaml:"position"`
	ID       string `table:"ID" json:"channel_id" yaml:"channel_id"`
	Name     string `table:"NAME" json:"name" yaml:"name"`
	Enabled  bool   `table:"ENABLED" json:"enabled" yaml:"enabled"`
	Cost     string `table:"COST" json:"cost" yaml:"cost"`
}

type MoveRow struct {
	ID      string `table:"ID" json:"channel_id" yaml:"channel_id"`
	Name    string `table:"NAME" json:"name" yaml:"name"`
	Enabled bool   `table:"ENABLED" json:"enabled" yaml:"enabled"`
	Cost    string `table:"COST" json:"cost" yaml:"cost"`
	From    int    `table:"FROM" json:"from" yaml:"from"`
	To      int    `table:"TO" json:"to" yaml:"to"`
}

func toMoveRows(moves []autosort.Move) []MoveRow {
	rows := make([]MoveRow, 0, len(moves))
	for _, m := range moves {
		rows = append(rows, MoveRow{ID: m.ChannelID, Name: m.Name, Enabled: m.Enabled, Cost: formatCost(m.CostFactor), From: m.From, To: m.To})
	}
	return rows
}

func formatCost(f float64) string {
	if math.IsInf(f, 1) {
		return "-"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// beforeTarget returns the row to drop on so that id ends up directly before
// anchor. Dropping takes the target's position, so a channel moving down the
// list drops on the row just above anchor. When id already sits before anchor
// the dragged row itself is returned.
func beforeTarget(ids []string, id, anchor string) (string, error) {
	from, to := indexOf(ids, id), indexOf(ids, anchor)
	switch {
	case to < 0:
		return "", fmt.Errorf("channel %s not found", anchor)
	case anchor == id:
		return "", fmt.Errorf("channel %s cannot be moved before itself", id)
	case from < to:
		return ids[to-1], nil
	}
	return anchor, nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
