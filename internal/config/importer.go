package config

import (
	"context"
	"fmt"

	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// Import upserts every pipeline in file into w by name and returns the ids
// in file order. It stops at the first storage error.
func Import(ctx context.Context, w store.Writer, file *PipelinesFile) ([]string, error) {
	ids := make([]string, 0, len(file.Pipelines))
	for _, def := range file.Pipelines {
		id, err := w.SavePipeline(ctx, def.ToPipeline())
		if err != nil {
			return ids, fmt.Errorf("import pipeline %q: %w", def.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
