package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/internal/model"
)

// ProjectionColumn declares one projected column
type ProjectionColumn struct {
	Name    string
	Indexed bool
}

// ProjectionSpec describes a derived view over one entity type.
// Extract returns the column values for a state, or false to leave the entity out.
type ProjectionSpec struct {
	Name       string
	EntityType string
	Columns    []ProjectionColumn
	Extract    func(state model.PersistState) (map[string]interface{}, bool)
}

// ProjectionRow is one projected entity
type ProjectionRow struct {
	PersistID string
	Values    map[string]interface{}
}

// ProjectionTable is a read view kept in sync with entity state
type ProjectionTable struct {
	spec    ProjectionSpec
	columns map[string]ProjectionColumn

	mu      sync.RWMutex
	rows    map[string]ProjectionRow
	indexes map[string]map[string]map[string]struct{} // column -> encoded value -> persist ids
}

func newProjectionTable(spec ProjectionSpec) (*ProjectionTable, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("projection name is required")
	}
	if spec.EntityType == "" {
		return nil, fmt.Errorf("projection %s: entity type is required", spec.Name)
	}
	if spec.Extract == nil {
		return nil, fmt.Errorf("projection %s: extract function is required", spec.Name)
	}

	p := &ProjectionTable{
		spec:    spec,
		columns: make(map[string]ProjectionColumn, len(spec.Columns)),
		rows:    make(map[string]ProjectionRow),
		indexes: make(map[string]map[string]map[string]struct{}),
	}
	for _, c := range spec.Columns {
		if _, dup := p.columns[c.Name]; dup {
			return nil, fmt.Errorf("projection %s: duplicate column %s", spec.Name, c.Name)
		}
		p.columns[c.Name] = c
		if c.Indexed {
			p.indexes[c.Name] = make(map[string]map[string]struct{})
		}
	}
	return p, nil
}

// Name returns the projection name
func (p *ProjectionTable) Name() string {
	return p.spec.Name
}

// EntityType returns the projected entity type
func (p *ProjectionTable) EntityType() string {
	return p.spec.EntityType
}

// Len returns the number of rows
func (p *ProjectionTable) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rows)
}

// Get returns the row for persistID
func (p *ProjectionTable) Get(persistID string) (ProjectionRow, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	row, ok := p.rows[persistID]
	if !ok {
		return ProjectionRow{}, false
	}
	return copyRow(row), true
}

// Rows returns all rows ordered by persist id
func (p *ProjectionTable) Rows() []ProjectionRow {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ProjectionRow, 0, len(p.rows))
	for _, row := range p.rows {
		out = append(out, copyRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersistID < out[j].PersistID })
	return out
}

// LookupIndexed returns rows whose indexed column equals value, ordered by persist id.
// Lookups on columns not declared Indexed are rejected.
func (p *ProjectionTable) LookupIndexed(column string, value interface{}) ([]ProjectionRow, error) {
	col, ok := p.columns[column]
	if !ok {
		return nil, fmt.Errorf("projection %s has no column %s", p.spec.Name, column)
	}
	if !col.Indexed {
		return nil, fmt.Errorf("projection %s: column %s is not indexed", p.spec.Name, column)
	}
	enc, err := encodeIndexValue(value)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.indexes[column][enc]))
	for id := range p.indexes[column][enc] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ProjectionRow, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRow(p.rows[id]))
	}
	return out, nil
}

func (p *ProjectionTable) rebuild(states []model.PersistState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rows = make(map[string]ProjectionRow)
	for name := range p.indexes {
		p.indexes[name] = make(map[string]map[string]struct{})
	}
	for _, st := range states {
		if st.TypeName == p.spec.EntityType {
			p.upsertLocked(st)
		}
	}
}

func (p *ProjectionTable) sync(state model.PersistState) {
	if state.TypeName != p.spec.EntityType {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upsertLocked(state)
}

func (p *ProjectionTable) remove(key model.EntityKey) {
	if key.EntityType != p.spec.EntityType {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key.PersistID)
}

func (p *ProjectionTable) upsertLocked(state model.PersistState) {
	p.removeLocked(state.PersistID)

	values, ok := p.spec.Extract(state)
	if !ok {
		return
	}
	row := ProjectionRow{PersistID: state.PersistID, Values: make(map[string]interface{}, len(p.columns))}
	for name := range p.columns {
		if v, present := values[name]; present {
			row.Values[name] = v
		}
	}
	p.rows[state.PersistID] = row

	for name, idx := range p.indexes {
		v, present := row.Values[name]
		if !present {
			continue
		}
		enc, err := encodeIndexValue(v)
		if err != nil {
			continue
		}
		if idx[enc] == nil {
			idx[enc] = make(map[string]struct{})
		}
		idx[enc][state.PersistID] = struct{}{}
	}
}

func (p *ProjectionTable) removeLocked(persistID string) {
	row, ok := p.rows[persistID]
	if !ok {
		return
	}
	delete(p.rows, persistID)
	for name, idx := range p.indexes {
		v, present := row.Values[name]
		if !present {
			continue
		}
		enc, err := encodeIndexValue(v)
		if err != nil {
			continue
		}
		delete(idx[enc], persistID)
		if len(idx[enc]) == 0 {
			delete(idx, enc)
		}
	}
}

// encodeIndexValue keys index buckets by JSON so 1 and "1" stay distinct.
// json.Number values are encoded as plain numbers.
func encodeIndexValue(v interface{}) (string, error) {
	if n, ok := v.(json.Number); ok {
		return n.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("unindexable value %v: %w", v, err)
	}
	return string(b), nil
}

func copyRow(row ProjectionRow) ProjectionRow {
	values := make(map[string]interface{}, len(row.Values))
	for k, v := range row.Values {
		values[k] = v
	}
	return ProjectionRow{PersistID: row.PersistID, Values: values}
}
