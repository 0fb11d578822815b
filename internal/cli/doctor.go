package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/g960059/chanpool/internal/config"
	"github.com/g960059/chanpool/internal/doctor"
)

func (r *Runner) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the config file, socket and daemon health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := r.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			res := doctor.Run(cmd.Context(), doctor.Options{
				ConfigPath: path,
				Config:     r.cfg,
				Client:     r.client,
				Timeout:    r.cfg.FetchTimeout,
			})
			if r.cfg.OutputFormat == "table" {
				r.print(res.Checks)
			} else {
				r.print(res)
			}
			if !res.OK {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
}
