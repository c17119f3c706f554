// gen-diagrams renders the execution graph of every example plan next to it.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/buildcore/internal/actions"
	"github.com/rendis/buildcore/internal/diagram"
	"github.com/rendis/buildcore/internal/engine"
	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/internal/validation"
)

func main() {
	if err := run(context.Background(), "examples"); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, root string) error {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	reg := actions.NewRegistry(v)
	if err := actions.RegisterBuiltins(reg, actions.BuiltinConfig{}); err != nil {
		return err
	}
	cel, err := expressions.NewCELEngine(nil)
	if err != nil {
		return err
	}
	loader := plan.NewLoader(v, reg, cel)

	paths, err := filepath.Glob(filepath.Join(root, "*", "plan.yaml"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		p, err := loader.LoadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		g, err := engine.BuildGraph(p.Units)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		model := diagram.Build(p.Name, g, nil)
		dir := filepath.Dir(path)

		mermaid := diagram.RenderMermaid(model)
		if err := os.WriteFile(filepath.Join(dir, "diagram.md"), []byte("```mermaid\n"+mermaid+"```\n"), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "diagram.txt"), []byte(diagram.RenderASCII(model)), 0o644); err != nil {
			return err
		}

		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: image error: %v\n", path, err)
		} else if err := os.WriteFile(filepath.Join(dir, "diagram.png"), png, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s: %d units\n", path, g.Len())
	}
	return nil
}
