package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
)

// ImportResult is the output of import.
type ImportResult struct {
	Imported []ImportedPipeline `json:"imported"`
}

type ImportedPipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	var skipValidation bool
	cmd := &cobra.Command{
		Use:   "import <pipelines.yaml>",
		Short: "Validate a pipelines file and upsert it into the store by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, args[0], skipValidation, cmd)
		},
	}
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "store definitions even if they fail validation")
	return cmd
}

func runImport(opts *RootOptions, path string, skipValidation bool, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd.OutOrStdout())

	cfg, err := loadConfig(opts)
	if err != nil {
		return out.failure(err, nil)
	}
	file, err := config.ReadPipelines(path)
	if err != nil {
		return out.failure(commandError("read pipelines", err), nil)
	}
	if !skipValidation {
		reg, err := offlineRegistry(logging.Discard())
		if err != nil {
			return out.failure(commandError("registry", err), nil)
		}
		if err := config.ValidatePipelines(file, reg); err != nil {
			return out.failure(&ExitError{Code: ExitFailure, Message: "validation failed", Err: err}, nil)
		}
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return out.failure(err, nil)
	}
	defer st.Close()

	ids, err := config.Import(cmd.Context(), st, file)
	if err != nil {
		return out.failure(commandError("import", err), nil)
	}
	result := ImportResult{}
	for i, id := range ids {
		result.Imported = append(result.Imported, ImportedPipeline{ID: id, Name: file.Pipelines[i].Name})
	}
	return out.success(result, func(w io.Writer) {
		for _, p := range result.Imported {
			fmt.Fprintf(w, "imported %s (%s)\n", p.Name, p.ID)
		}
	})
}
