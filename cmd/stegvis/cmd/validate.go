package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stegvis/stegvis/internal/config"
	"github.com/stegvis/stegvis/internal/flowdef"
	"github.com/stegvis/stegvis/internal/openapi"
)

func newValidateCmd() *cobra.Command {
	var (
		flowDirs []string
		specFile string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate flow definitions without starting the server",
		Long: `Validate loads the configured flow definitions and backend spec,
runs full referential validation (step references, action payloads,
operation ids), and exits non-zero if any flow is broken.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				// Validation can run without a config file when the
				// inputs are given as flags.
				if !errors.Is(err, os.ErrNotExist) || len(flowDirs) == 0 {
					return fmt.Errorf("configuration: %w", err)
				}
				cfg = config.Defaults()
			}
			if len(flowDirs) > 0 {
				cfg.Flows.Directories = flowDirs
			}
			if specFile != "" {
				cfg.Backend.SpecFile = specFile
			}

			oaIndex := openapi.NewIndex()
			if cfg.Backend.SpecFile != "" {
				if err := oaIndex.Load(cfg.Backend.SpecFile, cfg.Backend.BaseURL); err != nil {
					return fmt.Errorf("backend spec: %w", err)
				}
			}

			flows, err := flowdef.NewLoader().LoadAll(cfg.Flows.Directories)
			if err != nil {
				return fmt.Errorf("loading flows: %w", err)
			}

			verrs := flowdef.NewValidator().Validate(flows, oaIndex)
			if len(verrs) > 0 {
				for _, ve := range verrs {
					fmt.Fprintln(cmd.ErrOrStderr(), ve.Error())
				}
				return fmt.Errorf("%d validation errors in %d flows", len(verrs), len(flows))
			}

			stepCount := 0
			for _, f := range flows {
				stepCount += len(f.Steps)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d flows, %d steps, %d backend operations\n",
				len(flows), stepCount, len(oaIndex.AllOperationIDs()))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&flowDirs, "flows", nil, "flow definition directories (overrides config)")
	cmd.Flags().StringVar(&specFile, "spec", "", "backend OpenAPI document (overrides config)")
	return cmd
}
