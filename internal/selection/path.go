// Package selection tracks a user's in-progress purchase choice
// (product, quantity, payment asset) as a compact persisted path.
package selection

import (
	"errors"
	"strconv"
	"strings"
)

const (
	segmentSep = "/"
	valueSep   = "?"
)

var (
	ErrMalformedPath = errors.New("selection: malformed path")
	ErrStageSkipped  = errors.New("selection: previous stage not chosen")
	ErrInvalidStage  = errors.New("selection: invalid stage")
)

type Stage int

const (
	StageProduct Stage = iota + 1
	StageQuantity
	StageAsset
)

// MaxStages is the number of segments a complete path holds.
const MaxStages = int(StageAsset)

type Segment struct {
	Action string
	ID     string
}

// Path is the ordered list of chosen segments, serialized as "action?id/" each.
type Path []Segment

func Parse(s string) (Path, error) {
	if s == "" {
		return nil, nil
	}
	if !strings.HasSuffix(s, segmentSep) {
		return nil, ErrMalformedPath
	}
	parts := strings.Split(strings.TrimSuffix(s, segmentSep), segmentSep)
	if len(parts) > MaxStages {
		return nil, ErrMalformedPath
	}
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		action, id, ok := strings.Cut(part, valueSep)
		if !ok || action == "" || strings.Contains(id, valueSep) {
			return nil, ErrMalformedPath
		}
		p = append(p, Segment{Action: action, ID: id})
	}
	return p, nil
}

func (p Path) String() string {
	var b strings.Builder
	for _, seg := range p {
		b.WriteString(seg.Action)
		b.WriteString(valueSep)
		b.WriteString(seg.ID)
		b.WriteString(segmentSep)
	}
	return b.String()
}

// Advance records a choice at stage. Stage 1 starts a fresh path; any later
// stage keeps the first stage-1 segments and replaces everything after them.
// p is never modified.
func (p Path) Advance(stage Stage, action, id string) (Path, error) {
	if stage < StageProduct || stage > StageAsset {
		return nil, ErrInvalidStage
	}
	if action == "" || strings.ContainsAny(action, valueSep+segmentSep) || strings.ContainsAny(id, valueSep+segmentSep) {
		return nil, ErrMalformedPath
	}
	keep := int(stage) - 1
	if len(p) < keep {
		return nil, ErrStageSkipped
	}
	out := make(Path, keep, keep+1)
	copy(out, p[:keep])
	return append(out, Segment{Action: action, ID: id}), nil
}

func (p Path) Stage() Stage { return Stage(len(p)) }

// Choice decodes the numeric ids by position. Absent or non-numeric positions
// stay unset.
func (p Path) Choice() Choice {
	var c Choice
	if len(p) > 0 {
		if v, err := strconv.ParseInt(p[0].ID, 10, 64); err == nil {
			c.ProductID, c.HasProduct = v, true
		}
	}
	if len(p) > 1 {
		if v, err := strconv.Atoi(p[1].ID); err == nil {
			c.Quantity, c.HasQuantity = v, true
		}
	}
	if len(p) > 2 {
		if v, err := strconv.Atoi(p[2].ID); err == nil {
			c.AssetCode, c.HasAsset = v, true
		}
	}
	return c
}
