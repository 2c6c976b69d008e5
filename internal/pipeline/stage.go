package pipeline

import "fmt"

// Stage is the last dataset stage whose output is fully persisted.
type Stage int

const (
	None Stage = iota
	Clean
	Labeled
	Crowned
	Cropped
	Reconciled
	Done
)

var stageNames = []string{"none", "clean", "labeled", "crowned", "cropped", "reconciled", "done"}

func (s Stage) String() string {
	if s < None || s > Done {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) {
	if s < None || s > Done {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	for i, name := range stageNames {
		if name == string(text) {
			*s = Stage(i)
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// Checkpoint is the single progress marker of a dataset root.
type Checkpoint struct {
	Stage Stage `json:"stage"`
}

type Mode int

const (
	// Resume skips every stage recorded in the checkpoint and loads its output.
	Resume Mode = iota
	// Regenerate deletes all artifacts and runs every stage.
	Regenerate
)

func (m Mode) String() string {
	if m == Regenerate {
		return "regenerate"
	}
	return "resume"
}
