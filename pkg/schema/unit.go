package schema

// UnitDescriptor declares one schedulable work unit. Descriptors are supplied
// in declaration order; that order breaks ties when planning.
type UnitDescriptor struct {
	ID        string             `json:"id"`
	Action    string             `json:"action"`
	Params    ParamSnapshot      `json:"params"`
	DependsOn []string           `json:"depends_on,omitempty"`
	RunAfter  []string           `json:"run_after,omitempty"`
	Inputs    []InputDescriptor  `json:"inputs,omitempty"`
	Outputs   []OutputDescriptor `json:"outputs,omitempty"`
	OnlyIf    string             `json:"only_if,omitempty"` // CEL predicate; false excludes the unit
	Tags      []string           `json:"tags,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// InputDescriptor identifies one input of a unit. Digest, when set, is used
// as the content digest verbatim; otherwise the file at Path is hashed.
type InputDescriptor struct {
	Identity string `json:"identity"`
	Digest   string `json:"digest,omitempty"`
	Path     string `json:"path,omitempty"`
}

// OutputDescriptor declares one output of a unit. Outputs without a Path are
// logical and take part in the fingerprint only.
type OutputDescriptor struct {
	Identity string `json:"identity"`
	Path     string `json:"path,omitempty"`
}

// BuildPlan is the JSON document form of a unit set.
type BuildPlan struct {
	Name  string           `json:"name,omitempty"`
	Units []UnitDescriptor `json:"units"`
}
