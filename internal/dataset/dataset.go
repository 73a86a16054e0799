// Package dataset describes the logical model formulas are written against:
// avatars joined by relations, and the fields built on top of them.
package dataset

import (
	"fmt"
	"io"
	"strings"

	errors "gopkg.in/src-d/go-errors.v1"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownField     = errors.NewKind("unknown field %s")
	ErrUnknownAvatar    = errors.NewKind("unknown avatar %s")
	ErrDuplicateID      = errors.NewKind("duplicate %s id %s")
	ErrInvalidDataset   = errors.NewKind("invalid dataset: %s")
	ErrUnreachable      = errors.NewKind("avatar %s is not reachable from root avatar %s")
	ErrRelationsDiverge = errors.NewKind("relation resolution did not converge after %d passes")
)

// Aggregation is the default aggregation that turns a field into a measure.
type Aggregation string

const (
	AggNone   Aggregation = ""
	AggSum    Aggregation = "sum"
	AggAvg    Aggregation = "avg"
	AggMin    Aggregation = "min"
	AggMax    Aggregation = "max"
	AggCount  Aggregation = "count"
	AggCountD Aggregation = "countd"
)

// Func returns the aggregate function name of a.
func (a Aggregation) Func() string {
	return strings.ToUpper(string(a))
}

func (a Aggregation) valid() bool {
	switch a {
	case AggNone, AggSum, AggAvg, AggMin, AggMax, AggCount, AggCountD:
		return true
	}
	return false
}

// Field is either a direct column of an avatar or a formula.
type Field struct {
	ID          string      `json:"id" yaml:"id"`
	Title       string      `json:"title" yaml:"title"`
	AvatarID    string      `json:"avatar_id,omitempty" yaml:"avatar_id,omitempty"`
	Column      string      `json:"column,omitempty" yaml:"column,omitempty"`
	Formula     string      `json:"formula,omitempty" yaml:"formula,omitempty"`
	Aggregation Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
}

// IsFormula reports whether the field is computed from a formula.
func (f *Field) IsFormula() bool { return f.Formula != "" }

// Avatar is one join-graph participant bound to a source by qualified name.
type Avatar struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
}

type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
)

// Condition is an equality between a column of the left and of the right avatar.
type Condition struct {
	Left  string `json:"left" yaml:"left"`
	Right string `json:"right" yaml:"right"`
}

// Relation joins Right to Left. Relations form a tree rooted at the root avatar.
type Relation struct {
	ID         string      `json:"id" yaml:"id"`
	Left       string      `json:"left" yaml:"left"`
	Right      string      `json:"right" yaml:"right"`
	Type       JoinType    `json:"type" yaml:"type"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

type Dataset struct {
	ID        string     `json:"id" yaml:"id"`
	Root      string     `json:"root" yaml:"root"`
	Avatars   []Avatar   `json:"avatars" yaml:"avatars"`
	Relations []Relation `json:"relations" yaml:"relations"`
	Fields    []Field    `json:"fields" yaml:"fields"`
}

// Load decodes a YAML dataset and validates it.
func Load(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := yaml.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// Field finds a field by id, or by title ignoring case.
func (d *Dataset) Field(ref string) (*Field, error) {
	for i := range d.Fields {
		if d.Fields[i].ID == ref {
			return &d.Fields[i], nil
		}
	}
	for i := range d.Fields {
		if strings.EqualFold(d.Fields[i].Title, ref) {
			return &d.Fields[i], nil
		}
	}
	return nil, ErrUnknownField.New(ref)
}

func (d *Dataset) Avatar(id string) (*Avatar, error) {
	for i := range d.Avatars {
		if d.Avatars[i].ID == id {
			return &d.Avatars[i], nil
		}
	}
	return nil, ErrUnknownAvatar.New(id)
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		ID:        d.ID,
		Root:      d.Root,
		Avatars:   append([]Avatar(nil), d.Avatars...),
		Relations: make([]Relation, len(d.Relations)),
		Fields:    append([]Field(nil), d.Fields...),
	}
	for i, r := range d.Relations {
		r.Conditions = append([]Condition(nil), r.Conditions...)
		out.Relations[i] = r
	}
	return out
}

// Validate checks ids are unique and every reference resolves.
func (d *Dataset) Validate() error {
	avatars := make(map[string]bool, len(d.Avatars))
	for _, a := range d.Avatars {
		if a.ID == "" || a.Source == "" {
			return ErrInvalidDataset.New("avatar requires id and source")
		}
		if avatars[a.ID] {
			return ErrDuplicateID.New("avatar", a.ID)
		}
		avatars[a.ID] = true
	}
	if !avatars[d.Root] {
		return ErrUnknownAvatar.New(d.Root)
	}

	relations := make(map[string]bool, len(d.Relations))
	for _, r := range d.Relations {
		if relations[r.ID] {
			return ErrDuplicateID.New("relation", r.ID)
		}
		relations[r.ID] = true
		for _, id := range []string{r.Left, r.Right} {
			if !avatars[id] {
				return ErrUnknownAvatar.New(id)
			}
		}
		if r.Type != JoinInner && r.Type != JoinLeft {
			return ErrInvalidDataset.New(fmt.Sprintf("relation %s has join type %q", r.ID, r.Type))
		}
		if len(r.Conditions) == 0 {
			return ErrInvalidDataset.New(fmt.Sprintf("relation %s has no conditions", r.ID))
		}
	}

	fields := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if err := d.validateField(&f, avatars); err != nil {
			return err
		}
		if fields[f.ID] {
			return ErrDuplicateID.New("field", f.ID)
		}
		fields[f.ID] = true
	}
	return nil
}

func (d *Dataset) validateField(f *Field, avatars map[string]bool) error {
	if f.ID == "" || f.Title == "" {
		return ErrInvalidDataset.New("field requires id and title")
	}
	if !f.Aggregation.valid() {
		return ErrInvalidDataset.New(fmt.Sprintf("field %s has aggregation %q", f.ID, f.Aggregation))
	}
	if f.IsFormula() {
		return nil
	}
	if f.Column == "" {
		return ErrInvalidDataset.New(fmt.Sprintf("field %s has neither column nor formula", f.ID))
	}
	if !avatars[f.AvatarID] {
		return ErrUnknownAvatar.New(f.AvatarID)
	}
	return nil
}
