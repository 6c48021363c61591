/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package config

import "github.com/spf13/cobra"

// NewServeCommand builds the `serve` cobra command. run receives the fully
// resolved and validated HostConfig; flag parsing, env fallback and
// validation all happen before run is called.
func NewServeCommand(run func(*HostConfig) error) *cobra.Command {
	cfg := &HostConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebAssembly function host",
		RunE: func(cmd *cobra.Command, args []string) error {
			ApplyEnvFallbacks(cmd.Flags(), cfg)
			if err := Validate(cfg); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().AddFlagSet(FlagSet(cfg))
	return cmd
}
