package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/g960059/chanpool/internal/api"
)

type importFile struct {
	Channels []api.ChannelRequest `yaml:"channels"`
}

func (r *Runner) channelImportCommand() *cobra.Command {
	var stopOnError bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create channels from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			reqs, err := parseImport(data)
			if err != nil {
				return usageError{err: fmt.Errorf("parse %s: %w", args[0], err)}
			}
			if len(reqs) == 0 {
				return usagef("%s contains no channels", args[0])
			}
			rows := make([]ChannelRow, 0, len(reqs))
			failed := 0
			for i, req := range reqs {
				env, err := r.client.UpsertChannel(cmd.Context(), req)
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(r.errOut, "channel %d (%s): %v\n", i, req.ChannelName, err)
					if stopOnError {
						break
					}
					continue
				}
				rows = append(rows, toChannelRow(env.Channel))
			}
			r.print(rows)
			if failed > 0 {
				return fmt.Errorf("%d of %d channels failed to import", failed, len(reqs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "stop at the first failed channel")
	return cmd
}

// parseImport accepts JSON (a list, or an object with "channels") and YAML
// with a top-level channels list or a bare list.
func parseImport(data []byte) ([]api.ChannelRequest, error) {
	if gjson.ValidBytes(data) {
		doc := gjson.ParseBytes(data)
		list := doc
		if doc.IsObject() {
			list = doc.Get("channels")
		}
		if !list.IsArray() {
			return nil, fmt.Errorf("expected a channels array")
		}
		var out []api.ChannelRequest
		for i, item := range list.Array() {
			var req api.ChannelRequest
			if err := json.Unmarshal([]byte(item.Raw), &req); err != nil {
				return nil, fmt.Errorf("channel %d: %w", i, err)
			}
			out = append(out, req)
		}
		return out, nil
	}

	var file importFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Channels) > 0 {
		return file.Channels, nil
	}
	var list []api.ChannelRequest
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}
