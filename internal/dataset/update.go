package dataset

import errors "gopkg.in/src-d/go-errors.v1"

// ErrInvalidUpdate is returned for an update that cannot be applied.
var ErrInvalidUpdate = errors.NewKind("invalid update %s: %s")

type Action string

const (
	ActionAddField    Action = "add_field"
	ActionUpdateField Action = "update_field"
	ActionDeleteField Action = "delete_field"
)

// Update is an ad-hoc change applied to a request's copy of the dataset.
type Update struct {
	Action Action `json:"action" yaml:"action"`
	Field  Field  `json:"field" yaml:"field"`
}

// Apply returns a copy of d with updates applied in order. d is not modified.
func (d *Dataset) Apply(updates []Update) (*Dataset, error) {
	if len(updates) == 0 {
		return d, nil
	}
	out := d.Clone()
	for _, u := range updates {
		if err := out.apply(u); err != nil {
			return nil, err
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dataset) apply(u Update) error {
	idx := -1
	for i := range d.Fields {
		if d.Fields[i].ID == u.Field.ID {
			idx = i
			break
		}
	}
	switch u.Action {
	case ActionAddField:
		if idx >= 0 {
			return ErrInvalidUpdate.New(u.Action, "field "+u.Field.ID+" already exists")
		}
		d.Fields = append(d.Fields, u.Field)
	case ActionUpdateField:
		if idx < 0 {
			return ErrUnknownField.New(u.Field.ID)
		}
		d.Fields[idx] = u.Field
	case ActionDeleteField:
		if idx < 0 {
			return ErrUnknownField.New(u.Field.ID)
		}
		d.Fields = append(d.Fields[:idx], d.Fields[idx+1:]...)
	default:
		return ErrInvalidUpdate.New(u.Action, "unknown action")
	}
	return nil
}
