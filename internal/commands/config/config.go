// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/spf13/cobra"

	"github.com/tombee/mbaas/internal/commands/shared"
	"github.com/tombee/mbaas/internal/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect mbaasd configuration",
	}
	cmd.AddCommand(newShowCommand())
	return cmd
}

func newShowCommand() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show <config>",
		Short: "Print the effective configuration",
		Long: `Load a configuration file, apply defaults and MBAAS_* environment
overrides, and print the result. Secrets and connection-string passwords are
masked unless --reveal is given.`,
		Example: `  mbaasd config show /etc/mbaasd/config.yaml
  MBAAS_SERVICE_PORT=9000 mbaasd config show config.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := config.Load(args[0])
			if err != nil {
				return shared.NewFatalError("failed to load config", err)
			}

			return config.Render(cmd.OutOrStdout(), snap, reveal)
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "Print secrets in clear text")

	return cmd
}
