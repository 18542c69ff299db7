package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EntityType identifies a kind of canonical record an import can touch.
type EntityType string

const (
	EntityVenue    EntityType = "venue"
	EntityLecturer EntityType = "lecturer"
	EntityCourse   EntityType = "course"
	EntitySchedule EntityType = "schedule"
)

// MatchableEntities are reconciled against existing records, in write order.
var MatchableEntities = []EntityType{EntityVenue, EntityLecturer, EntityCourse}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityVenue, EntityLecturer, EntityCourse, EntitySchedule:
		return true
	}
	return false
}

// FieldType represents the expected data type for a target field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldDate
	FieldNumeric
	FieldBool
	FieldTime
	FieldEmail
)

// FieldSpec defines a target field that file columns can be mapped to.
type FieldSpec struct {
	Name        string              // Namespaced target field: "venue.name"
	DBColumn    string              // Column in the entity table
	Type        FieldType           // Expected data type
	Required    bool                // Must be mapped and non-empty
	EnumValues  []string            // Valid values for FieldEnum
	Aliases     []string            // Header spellings recognised when suggesting mappings
	MatchWeight float64             // Weight in fuzzy matching; zero excludes the field
	ExactMatch  bool                // Field only contributes on exact equality
	Normalizer  func(string) string // Optional canonicalisation before validation and writes
}

// EntityDefinition describes how one entity type is imported.
type EntityDefinition struct {
	Type     EntityType
	Label    string
	Table    string // Destination table
	KeyField string // Target field identifying a record within one file
	Order    int    // Write order; lower first
	Fields   []FieldSpec
}

// Field returns the spec for a target field of this entity.
func (d EntityDefinition) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// MatchFields returns the fields that take part in fuzzy matching.
func (d EntityDefinition) MatchFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range d.Fields {
		if f.MatchWeight > 0 {
			out = append(out, f)
		}
	}
	return out
}

var (
	registry   = make(map[EntityType]EntityDefinition)
	registryMu sync.RWMutex
)

// Register adds an entity definition to the catalog.
// Panics if the type is already registered or a field is not namespaced by it.
func Register(def EntityDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Type]; exists {
		panic(fmt.Sprintf("entity already registered: %s", def.Type))
	}
	prefix := string(def.Type) + "."
	for i, f := range def.Fields {
		if !strings.HasPrefix(f.Name, prefix) {
			panic(fmt.Sprintf("field %q of %s must start with %q", f.Name, def.Type, prefix))
		}
		if f.DBColumn == "" {
			def.Fields[i].DBColumn = strings.TrimPrefix(f.Name, prefix)
		}
	}

	registry[def.Type] = def
}

// Get returns an entity definition by type.
func Get(t EntityType) (EntityDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[t]
	return def, ok
}

// All returns all registered definitions in write order.
func All() []EntityDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]EntityDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Type < result[j].Type
	})

	return result
}

// TargetFields returns every target field across the catalog.
func TargetFields() []FieldSpec {
	var out []FieldSpec
	for _, def := range All() {
		out = append(out, def.Fields...)
	}
	return out
}

// LookupField finds the definition and spec owning a namespaced target field.
func LookupField(target string) (EntityDefinition, FieldSpec, bool) {
	entity, _, ok := strings.Cut(target, ".")
	if !ok {
		return EntityDefinition{}, FieldSpec{}, false
	}
	def, ok := Get(EntityType(entity))
	if !ok {
		return EntityDefinition{}, FieldSpec{}, false
	}
	spec, ok := def.Field(target)
	return def, spec, ok
}
