package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rendis/buildcore/pkg/schema"
)

// FSActions returns the filesystem actions.
func FSActions() []Registration {
	return []Registration{
		{
			Tag:         "fs.write",
			Description: "Write fixed content to every declared output path",
			ParamSchema: json.RawMessage(fsWriteSchema),
			Factory:     newFSWrite,
		},
		{
			Tag:         "fs.copy",
			Description: "Copy each input file to the output at the same position",
			Factory:     newFSCopy,
		},
	}
}

const fsWriteSchema = `{
  "type": "object",
  "properties": {
    "content": {"type": "string"},
    "mode": {"type": "integer", "minimum": 0, "maximum": 511}
  },
  "required": ["content"],
  "additionalProperties": false
}`

// --- fs.write ---

type fsWriteAction struct {
	Content string `json:"content"`
	Mode    uint32 `json:"mode"`
}

func newFSWrite(args Args) (Action, error) {
	a := &fsWriteAction{}
	if err := args.Coerce(a); err != nil {
		return nil, err
	}
	if a.Mode == 0 {
		a.Mode = 0o644
	}
	return a, nil
}

func (a *fsWriteAction) Execute(ctx context.Context, target *Target) (*Output, error) {
	written := 0
	for _, out := range target.Outputs {
		if out.Path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeFile(target.path(out.Path), []byte(a.Content), os.FileMode(a.Mode)); err != nil {
			return nil, err
		}
		written++
	}
	return jsonOutput(map[string]any{"written": written})
}

// --- fs.copy ---

type fsCopyAction struct{}

func newFSCopy(Args) (Action, error) { return &fsCopyAction{}, nil }

func (a *fsCopyAction) Execute(ctx context.Context, target *Target) (*Output, error) {
	if len(target.Inputs) != len(target.Outputs) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"fs.copy needs as many outputs as inputs, got %d and %d", len(target.Outputs), len(target.Inputs))
	}
	var copied int64
	for i, in := range target.Inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := copyFile(target.path(in.Path), target.path(target.Outputs[i].Path))
		if err != nil {
			return nil, err
		}
		copied += n
	}
	return jsonOutput(map[string]any{"bytes": copied})
}

// --- helpers ---

// path resolves p against the target's work dir.
func (t *Target) path(p string) string {
	if t.WorkDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(t.WorkDir, p)
}

func writeFile(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	return os.WriteFile(path, data, mode)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create parent of %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func jsonOutput(v any) (*Output, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal output: %w", err)
	}
	return &Output{Data: data}, nil
}
