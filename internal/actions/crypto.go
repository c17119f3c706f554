package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"

	"github.com/rendis/buildcore/pkg/schema"
)

// CryptoActions returns the hashing actions.
func CryptoActions() []Registration {
	return []Registration{
		{
			Tag:         "hash.sha256",
			Description: "Write the SHA-256 of all inputs, in identity order, to every output",
			Factory:     newHashSHA256,
		},
	}
}

type hashSHA256Action struct{}

func newHashSHA256(Args) (Action, error) { return &hashSHA256Action{}, nil }

func (a *hashSHA256Action) Execute(ctx context.Context, target *Target) (*Output, error) {
	inputs := append([]schema.InputDescriptor(nil), target.Inputs...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Identity < inputs[j].Identity })

	h := sha256.New()
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if in.Path == "" {
			io.WriteString(h, in.Digest)
			continue
		}
		f, err := os.Open(target.path(in.Path))
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	sum := hex.EncodeToString(h.Sum(nil))

	for _, out := range target.Outputs {
		if out.Path == "" {
			continue
		}
		if err := writeFile(target.path(out.Path), []byte(sum+"\n"), 0o644); err != nil {
			return nil, err
		}
	}
	return jsonOutput(map[string]any{"sha256": sum})
}
