// Package columns binds join-graph avatars to the physical columns of their
// sources and hands out column ids for them.
package columns

import (
	"slices"
	"sort"

	"github.com/google/uuid"
	errors "gopkg.in/src-d/go-errors.v1"

	"github.com/atlekbai/formula_engine/internal/schema"
)

var (
	// ErrUnknownSourceColumn is returned when an avatar has no column of the given name.
	ErrUnknownSourceColumn = errors.NewKind("avatar %s has no column %q")
	// ErrUnboundAvatar is returned for an avatar that is not registered.
	ErrUnboundAvatar = errors.NewKind("avatar %s is not bound to a source")
	// ErrUnknownColumnID is returned when a column id is not in the registry.
	ErrUnknownColumnID = errors.NewKind("unknown column id %s")
	// ErrColumnIDConflict is returned by Merge when both sides use one id for different columns.
	ErrColumnIDConflict = errors.NewKind("column id %s is bound to different columns")
	// ErrAvatarConflict is returned by Merge when an avatar is bound to different sources.
	ErrAvatarConflict = errors.NewKind("avatar %s is bound to different sources")
)

// SourceLookup resolves physical sources by id. *schema.Cache implements it.
type SourceLookup interface {
	Get(id uuid.UUID) *schema.Source
}

// AvatarColumn is one physical column seen through an avatar.
type AvatarColumn struct {
	ID       string
	AvatarID string
	Column   schema.Column
}

type key struct {
	avatar string
	column string
}

type binding struct {
	source  uuid.UUID
	columns []string // column ids in source order
}

// Registry maps (avatar, column name) to column ids. It belongs to one
// compilation and is not safe for concurrent mutation.
type Registry struct {
	sources SourceLookup
	byKey   map[key]string
	byID    map[string]*AvatarColumn
	avatars map[string]*binding
}

func NewRegistry(sources SourceLookup) *Registry {
	return &Registry{
		sources: sources,
		byKey:   make(map[key]string),
		byID:    make(map[string]*AvatarColumn),
		avatars: make(map[string]*binding),
	}
}

// RegisterAvatar binds every column of the source to avatarID. Binding an
// avatar to the source it already has is a no-op and keeps its column ids;
// binding it to another source replaces all of its columns.
func (r *Registry) RegisterAvatar(avatarID string, sourceID uuid.UUID) error {
	src := r.sources.Get(sourceID)
	if src == nil {
		return schema.ErrUnknownSource.New(sourceID)
	}
	if b, ok := r.avatars[avatarID]; ok {
		if b.source == sourceID {
			return nil
		}
		r.UnregisterAvatar(avatarID)
	}

	b := &binding{source: sourceID, columns: make([]string, 0, len(src.Columns))}
	for _, col := range src.Columns {
		id := uuid.NewString()
		r.byKey[key{avatarID, col.Name}] = id
		r.byID[id] = &AvatarColumn{ID: id, AvatarID: avatarID, Column: col}
		b.columns = append(b.columns, id)
	}
	r.avatars[avatarID] = b
	return nil
}

// UnregisterAvatar removes the avatar and all of its column ids.
func (r *Registry) UnregisterAvatar(avatarID string) {
	b, ok := r.avatars[avatarID]
	if !ok {
		return
	}
	for _, id := range b.columns {
		c := r.byID[id]
		delete(r.byKey, key{avatarID, c.Column.Name})
		delete(r.byID, id)
	}
	delete(r.avatars, avatarID)
}

// GetAvatarColumn returns the column named name of avatarID.
func (r *Registry) GetAvatarColumn(avatarID, name string) (*AvatarColumn, error) {
	if _, ok := r.avatars[avatarID]; !ok {
		return nil, ErrUnboundAvatar.New(avatarID)
	}
	id, ok := r.byKey[key{avatarID, name}]
	if !ok {
		return nil, ErrUnknownSourceColumn.New(avatarID, name)
	}
	return r.byID[id], nil
}

// Column returns the column with the given id.
func (r *Registry) Column(id string) (*AvatarColumn, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrUnknownColumnID.New(id)
	}
	return c, nil
}

// AvatarOf returns the avatar a column id belongs to.
func (r *Registry) AvatarOf(columnID string) (string, bool) {
	c, ok := r.byID[columnID]
	if !ok {
		return "", false
	}
	return c.AvatarID, true
}

// Source returns the source an avatar is bound to.
func (r *Registry) Source(avatarID string) (*schema.Source, error) {
	b, ok := r.avatars[avatarID]
	if !ok {
		return nil, ErrUnboundAvatar.New(avatarID)
	}
	src := r.sources.Get(b.source)
	if src == nil {
		return nil, schema.ErrUnknownSource.New(b.source)
	}
	return src, nil
}

// AvatarColumns returns the columns of avatarID in source order.
func (r *Registry) AvatarColumns(avatarID string) ([]*AvatarColumn, error) {
	b, ok := r.avatars[avatarID]
	if !ok {
		return nil, ErrUnboundAvatar.New(avatarID)
	}
	out := make([]*AvatarColumn, len(b.columns))
	for i, id := range b.columns {
		out[i] = r.byID[id]
	}
	return out, nil
}

// Avatars returns the registered avatar ids, sorted.
func (r *Registry) Avatars() []string {
	out := make([]string, 0, len(r.avatars))
	for id := range r.avatars {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len is the number of registered columns.
func (r *Registry) Len() int { return len(r.byID) }

// Merge returns a registry holding the columns of both r and other. Column
// ids of both sides are preserved. An avatar bound on both sides must use
// the same source; when the sides disagree on the ids of one avatar, the
// ids of both are kept and lookups by name resolve to r's.
func (r *Registry) Merge(other *Registry) (*Registry, error) {
	out := NewRegistry(r.sources)
	for _, src := range []*Registry{r, other} {
		for id, c := range src.byID {
			if prev, ok := out.byID[id]; ok {
				if prev.AvatarID != c.AvatarID || prev.Column != c.Column {
					return nil, ErrColumnIDConflict.New(id)
				}
				continue
			}
			cp := *c
			out.byID[id] = &cp
			k := key{c.AvatarID, c.Column.Name}
			if _, taken := out.byKey[k]; !taken {
				out.byKey[k] = id
			}
		}
		for avatarID, b := range src.avatars {
			prev, ok := out.avatars[avatarID]
			if !ok {
				out.avatars[avatarID] = &binding{source: b.source, columns: append([]string(nil), b.columns...)}
				continue
			}
			if prev.source != b.source {
				return nil, ErrAvatarConflict.New(avatarID)
			}
			for _, id := range b.columns {
				if !slices.Contains(prev.columns, id) {
					prev.columns = append(prev.columns, id)
				}
			}
		}
	}
	return out, nil
}
