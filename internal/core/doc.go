// Package core provides the domain model of the timetable import pipeline.
//
// This package is shared by every component: the file store and analyzer,
// the matcher and review sessions, the staged job processor, the queue worker
// and the HTTP boundary. It contains no I/O.
//
// # Entity Catalog
//
// Entities are registered at init time using [Register] (see package tables).
// Each [EntityDefinition] lists the namespaced target fields that file columns
// can be mapped to:
//
//	core.Register(core.EntityDefinition{
//	    Type:     core.EntityVenue,
//	    KeyField: "venue.name",
//	    Fields: []core.FieldSpec{
//	        {Name: "venue.name", Type: core.FieldText, Required: true, MatchWeight: 0.75},
//	        {Name: "venue.capacity", Type: core.FieldNumeric},
//	    },
//	})
//
// # Column Mapping
//
// Source columns are bound to target fields with [ColumnMapping]. A mapping set
// is valid when every required target is mapped exactly once and no target is
// mapped twice ([ValidateMappings]). [SuggestMappings] proposes mappings from
// header names, and [ProjectRows] turns raw rows into [Record] values.
//
// # Job Lifecycle
//
// Jobs move through [ImportStatus] values PENDING, PROCESSING and then
// COMPLETED or FAILED, and through the ordered [Stages] while processing.
// [ImportProgress] snapshots always satisfy processed = successful + failed.
//
// # Error Handling
//
// Sentinel errors ([ErrFileTooLarge], [ErrSessionNotFound], ...) are wrapped
// with %w and mapped to user-facing messages and support codes by [MapError].
package core
