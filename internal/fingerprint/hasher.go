package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sort"

	"github.com/rendis/buildcore/pkg/schema"
)

// InputPair is a resolved input: its identity and its content digest.
type InputPair struct {
	Identity string
	Digest   string
}

// Material is everything a fingerprint covers.
type Material struct {
	Action  string // implementation identity, e.g. "fs.write@1"
	Inputs  []InputPair
	Outputs []schema.OutputDescriptor
	Params  schema.ParamSnapshot
}

// Compute hashes m into a Digest. It is a pure function of m: inputs and
// outputs are sorted by identity before hashing and every field is
// length-prefixed. Empty params cannot be hashed and yield UNSUPPORTED_OPERATION.
func Compute(m Material) (Digest, error) {
	h := sha256.New()

	writeField(h, []byte("action"))
	writeField(h, []byte(m.Action))

	inputs := append([]InputPair(nil), m.Inputs...)
	sort.SliceStable(inputs, func(i, j int) bool { return inputs[i].Identity < inputs[j].Identity })
	writeCount(h, len(inputs))
	for _, in := range inputs {
		writeField(h, []byte(in.Identity))
		writeField(h, []byte(in.Digest))
	}

	outputs := append([]schema.OutputDescriptor(nil), m.Outputs...)
	sort.SliceStable(outputs, func(i, j int) bool { return outputs[i].Identity < outputs[j].Identity })
	writeCount(h, len(outputs))
	for _, out := range outputs {
		writeField(h, []byte(out.Identity))
		writeField(h, []byte(out.Path))
	}

	if err := m.Params.AppendToHash(h); err != nil {
		return Digest{}, err
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

func writeCount(h hash.Hash, n int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	h.Write(b[:])
}

func writeField(h hash.Hash, data []byte) {
	writeCount(h, len(data))
	h.Write(data)
}

// Fingerprinter resolves a unit's input digests and computes its fingerprint.
type Fingerprinter struct {
	workDir string
}

// NewFingerprinter creates a Fingerprinter resolving relative paths against workDir.
func NewFingerprinter(workDir string) *Fingerprinter {
	return &Fingerprinter{workDir: workDir}
}

// Material resolves unit into hashable material. Inputs without an explicit
// digest are hashed from disk; a missing input file is an error.
func (f *Fingerprinter) Material(unit schema.UnitDescriptor, actionIdentity string) (Material, error) {
	m := Material{
		Action:  actionIdentity,
		Outputs: unit.Outputs,
		Params:  unit.Params,
		Inputs:  make([]InputPair, 0, len(unit.Inputs)),
	}
	for _, in := range unit.Inputs {
		digest := in.Digest
		if digest == "" && in.Path != "" {
			d, err := HashFile(resolve(f.workDir, in.Path))
			if err != nil {
				return Material{}, schema.NewErrorf(schema.ErrCodeNotFound, "input %s unreadable", in.Identity).
					WithUnit(unit.ID).WithCause(err)
			}
			digest = d
		}
		m.Inputs = append(m.Inputs, InputPair{Identity: in.Identity, Digest: digest})
	}
	return m, nil
}

// Fingerprint resolves and hashes unit in one step.
func (f *Fingerprinter) Fingerprint(unit schema.UnitDescriptor, actionIdentity string) (Digest, error) {
	m, err := f.Material(unit, actionIdentity)
	if err != nil {
		return Digest{}, err
	}
	return Compute(m)
}
