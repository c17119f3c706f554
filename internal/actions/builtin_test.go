package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rendis/buildcore/internal/isolation"
	"github.com/rendis/buildcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltinRunner(t *testing.T) *Runner {
	t.Helper()
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	return NewRunner(reg, reg.validator, nil)
}

func TestFSWrite_WritesEveryOutput(t *testing.T) {
	dir := t.TempDir()
	runner := newBuiltinRunner(t)
	target := &Target{
		UnitID:  "gen",
		WorkDir: dir,
		Outputs: []schema.OutputDescriptor{
			{Identity: "a", Path: "out/a.txt"},
			{Identity: "logical"},
			{Identity: "b", Path: "b.txt"},
		},
	}

	res := runner.Invoke(context.Background(), "fs.write", snapshot(t, map[string]any{"content": "hello"}), target, nil)
	require.True(t, res.IsOk(), "%v", res.Err)
	assert.JSONEq(t, `{"written": 2}`, string(res.Output.Data))

	for _, p := range []string{"out/a.txt", "b.txt"} {
		data, err := os.ReadFile(filepath.Join(dir, p))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	}
}

func TestFSWrite_RejectsUnknownParams(t *testing.T) {
	res := newBuiltinRunner(t).Invoke(context.Background(), "fs.write",
		snapshot(t, map[string]any{"content": "x", "colour": "red"}), &Target{UnitID: "w"}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionInstantiation))
}

func TestFSCopy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.txt"), []byte("payload"), 0o644))
	runner := newBuiltinRunner(t)

	target := &Target{
		UnitID:  "copy",
		WorkDir: dir,
		Inputs:  []schema.InputDescriptor{{Identity: "src", Path: "src.txt"}},
		Outputs: []schema.OutputDescriptor{{Identity: "dst", Path: "nested/dst.txt"}},
	}
	res := runner.Invoke(context.Background(), "fs.copy", schema.EmptyParams, target, nil)
	require.True(t, res.IsOk(), "%v", res.Err)

	data, err := os.ReadFile(filepath.Join(dir, "nested/dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	target.Outputs = nil
	res = runner.Invoke(context.Background(), "fs.copy", schema.EmptyParams, target, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionExecution))
}

func TestHashSHA256_OrderedByIdentity(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two"), []byte("2"), 0o644))
	runner := newBuiltinRunner(t)

	target := &Target{
		UnitID:  "hash",
		WorkDir: dir,
		Inputs: []schema.InputDescriptor{
			{Identity: "z", Path: "two"},
			{Identity: "a", Path: "one"},
			{Identity: "m", Digest: "fixed"},
		},
		Outputs: []schema.OutputDescriptor{{Identity: "sum", Path: "sum.txt"}},
	}
	res := runner.Invoke(context.Background(), "hash.sha256", schema.EmptyParams, target, nil)
	require.True(t, res.IsOk(), "%v", res.Err)

	want := sha256.Sum256([]byte("1fixed2"))
	data, err := os.ReadFile(filepath.Join(dir, "sum.txt"))
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:])+"\n", string(data))
}

func TestJQ_TransformsInput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.json"), []byte(`{"items":[{"n":1},{"n":2}]}`), 0o644))
	runner := newBuiltinRunner(t)

	target := &Target{
		UnitID:  "jq",
		WorkDir: dir,
		Inputs:  []schema.InputDescriptor{{Identity: "in", Path: "in.json"}},
		Outputs: []schema.OutputDescriptor{{Identity: "out", Path: "out.json"}},
	}
	res := runner.Invoke(context.Background(), "jq", snapshot(t, map[string]any{"query": "[.items[].n] | add"}), target, nil)
	require.True(t, res.IsOk(), "%v", res.Err)

	data, err := os.ReadFile(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	var got float64
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, float64(3), got)
}

func TestJQ_BadQueryFailsInstantiation(t *testing.T) {
	res := newBuiltinRunner(t).Invoke(context.Background(), "jq",
		snapshot(t, map[string]any{"query": ".items[ | "}), &Target{UnitID: "jq"}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionInstantiation))
}

func TestShellExec(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	runner := newBuiltinRunner(t)

	ok := runner.Invoke(context.Background(), "shell.exec", snapshot(t, map[string]any{
		"command": "/bin/sh",
		"args":    []string{"-c", `printf "%s" "$GREETING" > greeting.txt`},
		"env":     map[string]string{"GREETING": "hi"},
	}), &Target{UnitID: "sh", WorkDir: dir}, nil)
	require.True(t, ok.IsOk(), "%v", ok.Err)

	data, err := os.ReadFile(filepath.Join(dir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	h := &recordingHandler{}
	bad := runner.Invoke(context.Background(), "shell.exec", snapshot(t, map[string]any{
		"command": "/bin/sh",
		"args":    []string{"-c", "echo broken >&2; exit 3"},
	}), &Target{UnitID: "sh", WorkDir: dir}, h)
	require.False(t, bad.IsOk())
	assert.Contains(t, bad.Err.Error(), "failed")
	assert.Contains(t, schema.RootCause(bad.Err).Error(), "exited with code 3: broken")
	assert.Len(t, h.causes, 1)
}

func TestShellExec_Limits(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{Shell: ShellConfig{
		Limits: isolation.Limits{
			Timeout:       100 * time.Millisecond,
			WritablePaths: []string{out},
		},
	}}))
	runner := NewRunner(reg, reg.validator, nil)

	denied := runner.Invoke(context.Background(), "shell.exec", snapshot(t, map[string]any{
		"command": "/bin/sh",
		"args":    []string{"-c", "true"},
	}), &Target{UnitID: "sh", WorkDir: dir}, nil)
	require.False(t, denied.IsOk())
	assert.True(t, schema.IsCode(denied.Err, schema.ErrCodePathDenied))

	slow := runner.Invoke(context.Background(), "shell.exec", snapshot(t, map[string]any{
		"command": "/bin/sh",
		"args":    []string{"-c", "sleep 5"},
		"dir":     "out",
	}), &Target{UnitID: "sh", WorkDir: dir}, nil)
	require.False(t, slow.IsOk())
	assert.Contains(t, schema.RootCause(slow.Err).Error(), "exited with code -1")
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())
}
