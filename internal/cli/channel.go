package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/chanpool/internal/api"
	"github.com/g960059/chanpool/internal/model"
)

func (r *Runner) channelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Inspect and edit channels",
	}
	cmd.AddCommand(
		r.channelListCommand(),
		r.channelShowCommand(),
		r.channelAddCommand(),
		r.channelToggleCommand("enable", true),
		r.channelToggleCommand("disable", false),
		r.channelRemoveCommand(),
		r.channelPatchCommand(),
		r.channelImportCommand(),
	)
	return cmd
}

func parseProtocolArg(raw string, allowEmpty bool) (model.Protocol, error) {
	if strings.TrimSpace(raw) == "" {
		if allowEmpty {
			return "", nil
		}
		return "", usagef("protocol is required")
	}
	p, err := model.ParseProtocol(raw)
	if err != nil {
		return "", usageError{err: err}
	}
	return p, nil
}

func (r *Runner) channelListCommand() *cobra.Command {
	var protocol string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List channels in routing order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := parseProtocolArg(protocol, true)
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
	cmd.Flags().StringVar(&protocol, "protocol", "", "only list channels of this protocol")
	return cmd
}

func (r *Runner) channelShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one channel with its endpoints and keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.client.GetChannel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			r.printDetail(toDetail(env.Channel))
			return nil
		},
	}
}

func (r *Runner) printDetail(d ChannelDetail) {
	if r.cfg.OutputFormat == "table" {
		r.print(d.Channel)
		_, _ = fmt.Fprintln(r.out)
		r.print(d.Entities)
		return
	}
	r.print(d)
}

func (r *Runner) channelAddCommand() *cobra.Command {
	var (
		protocol  string
		name      string
		id        string
		endpoints []string
		keys      []string
		cost      float64
		priority  int
		disabled  bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or replace a channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := parseProtocolArg(protocol, false); err != nil {
				return err
			}
			if strings.TrimSpace(name) == "" {
				return usagef("--name is required")
			}
			if len(endpoints) == 0 || len(keys) == 0 {
				return usagef("at least one --endpoint and one --key are required")
			}
			req := api.ChannelRequest{ChannelID: id, ChannelName: name, Protocol: protocol}
			if cmd.Flags().Changed("cost") {
				req.CostMultiplier = &cost
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if disabled {
				off := false
				req.Enabled = &off
			}
			for _, u := range endpoints {
				req.Endpoints = append(req.Endpoints, api.EndpointRequest{URL: u})
			}
			for _, raw := range keys {
				req.Keys = append(req.Keys, parseKeyFlag(raw))
			}
			env, err := r.client.UpsertChannel(cmd.Context(), req)
			if err != nil {
				return err
			}
			r.printDetail(toDetail(env.Channel))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&protocol, "protocol", "", "channel protocol (claude, codex, gemini, openai)")
	f.StringVar(&name, "name", "", "channel name, unique per protocol")
	f.StringVar(&id, "id", "", "replace the channel with this id")
	f.StringArrayVar(&endpoints, "endpoint", nil, "endpoint URL (repeatable)")
	f.StringArrayVar(&keys, "key", nil, "API key as secret or label=secret (repeatable)")
	f.Float64Var(&cost, "cost", 0, "cost multiplier used by autosort")
	f.IntVar(&priority, "priority", 0, "explicit priority (default: after the last channel)")
	f.BoolVar(&disabled, "disabled", false, "create the channel disabled")
	return cmd
}

// parseKeyFlag splits "label=secret". A value without "=" is a bare secret.
func parseKeyFlag(raw string) api.KeyRequest {
	if label, secret, ok := strings.Cut(raw, "="); ok && label != "" && !strings.ContainsAny(label, " /:") {
		return api.KeyRequest{Label: label, Secret: secret}
	}
	return api.KeyRequest{Secret: raw}
}

func (r *Runner) channelToggleCommand(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.client.SetChannelEnabled(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			r.print([]ChannelRow{toChannelRow(env.Channel)})
			return nil
		},
	}
}

func (r *Runner) channelRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a channel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.client.DeleteChannel(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "channel %s deleted\n", args[0])
			return nil
		},
	}
}

func (r *Runner) channelPatchCommand() *cobra.Command {
	var (
		endpointID    string
		keyID         string
		enabled       bool
		cooldown      time.Duration
		clearCooldown bool
	)
	cmd := &cobra.Command{
		Use:   "patch <id>",
		Short: "Enable, disable, or cool down one endpoint or key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind model.EntityKind
			var entityID string
			switch {
			case endpointID != "" && keyID != "":
				return usagef("--endpoint and --key are mutually exclusive")
			case endpointID != "":
				kind, entityID = model.EntityEndpoint, endpointID
			case keyID != "":
				kind, entityID = model.EntityKey, keyID
			default:
				return usagef("one of --endpoint or --key is required")
			}
			req := api.EntityPatchRequest{ClearCooldown: clearCooldown}
			if cmd.Flags().Changed("enabled") {
				req.Enabled = &enabled
			}
			if cmd.Flags().Changed("cooldown") {
				if cooldown <= 0 {
					return usagef("--cooldown must be positive")
				}
				until := time.Now().Add(cooldown).UTC().Format(time.RFC3339Nano)
				req.CooldownUntil = &until
			}
			if req.Enabled == nil && req.CooldownUntil == nil && !req.ClearCooldown {
				return usagef("nothing to patch: pass --enabled, --cooldown, or --clear-cooldown")
			}
			env, err := r.client.PatchEntity(cmd.Context(), kind, args[0], entityID, req)
			if err != nil {
				return err
			}
			r.printDetail(toDetail(env.Channel))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&endpointID, "endpoint", "", "endpoint id to patch")
	f.StringVar(&keyID, "key", "", "key id to patch")
	f.BoolVar(&enabled, "enabled", true, "set the enabled flag")
	f.DurationVar(&cooldown, "cooldown", 0, "cool down for this long from now")
	f.BoolVar(&clearCooldown, "clear-cooldown", false, "clear any cooldown")
	return cmd
}
