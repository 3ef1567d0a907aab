package ndb

import "github.com/ndblabs/ndb/internal/filter"

// Filter is a post-search predicate evaluated against a document's payload
// (§4.9). Build one with Eq, Ne, Gt, Gte, Lt, Lte, In, And, or Or.
type Filter = filter.Filter

// Eq matches documents whose field equals v.
func Eq(field string, v interface{}) Filter { return filter.Eq(field, v) }

// Ne matches documents whose field does not equal v.
func Ne(field string, v interface{}) Filter { return filter.Ne(field, v) }

// Gt matches documents whose field is strictly greater than v.
func Gt(field string, v interface{}) Filter { return filter.Gt(field, v) }

// Gte matches documents whose field is greater than or equal to v.
func Gte(field string, v interface{}) Filter { return filter.Gte(field, v) }

// Lt matches documents whose field is strictly less than v.
func Lt(field string, v interface{}) Filter { return filter.Lt(field, v) }

// Lte matches documents whose field is less than or equal to v.
func Lte(field string, v interface{}) Filter { return filter.Lte(field, v) }

// In matches documents whose field is one of values.
func In(field string, values []interface{}) Filter { return filter.In(field, values) }

// And matches documents matching every child filter.
func And(children ...Filter) Filter { return filter.And(children...) }

// Or matches documents matching any child filter.
func Or(children ...Filter) Filter { return filter.Or(children...) }
