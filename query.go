package galdrdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/galdrdb/galdrdb/internal/btree"
	"github.com/galdrdb/galdrdb/internal/catalog"
	"github.com/galdrdb/galdrdb/internal/docstore"
	"github.com/galdrdb/galdrdb/internal/keyenc"
)

// Op is a filter comparison operator (spec.md §4.9's filter `op`).
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpBetween
	OpStartsWith
	OpIn
	OpNotIn
)

// Filter is one predicate in a query's `where` chain.
type Filter struct {
	Field  string
	Op     Op
	Value  any
	Lo, Hi any
	Values []any
}

// idField is the reserved field name [Filter.Field] uses to target a
// document's id for a primary-key range scan (spec.md §4.9 step 1).
const idField = "ID"

// ScanType names the strategy [QueryExplanation] reports a plan chose.
type ScanType string

const (
	ScanFullScan        ScanType = "FullScan"
	ScanPrimaryKeyRange ScanType = "PrimaryKeyRange"
	ScanSecondaryIndex  ScanType = "SecondaryIndex"
)

// QueryExplanation is [QueryBuilder.Explain]'s inspectable plan report
// (spec.md §4.9).
type QueryExplanation struct {
	ScanType                ScanType
	IndexedField            string
	RangeStart              any
	RangeEnd                any
	IncludesStart           bool
	IncludesEnd             bool
	TotalFilters            int
	FiltersUsedByIndex      int
	FiltersAppliedAfterScan int
	ScanDescription         string
}

// queryPlan is the planner's internal decision, ahead of being rendered
// into a [QueryExplanation].
type queryPlan struct {
	kind ScanType

	idLo, idHi         int64
	idIncLo, idIncHi   bool

	index              catalog.IndexSpec
	indexLo, indexHi   []byte
	indexIncLo, indexIncHi bool
	usePrefix          bool

	filtersUsed int
}

const (
	minID int64 = int64(-1) << 63
	maxID int64 = 1<<63 - 1
)

// pickPlan implements spec.md §4.9's deterministic plan selection.
func pickPlan(meta catalog.CollectionMeta, filters []Filter) (queryPlan, error) {
	if plan, ok, err := pickPrimaryRangePlan(filters); ok || err != nil {
		return plan, err
	}
	if plan, ok, err := pickSecondaryIndexPlan(meta, filters); ok || err != nil {
		return plan, err
	}
	return queryPlan{kind: ScanFullScan}, nil
}

func pickPrimaryRangePlan(filters []Filter) (queryPlan, bool, error) {
	lo, hi := minID, maxID
	incLo, incHi := true, true
	used := 0

	for _, f := range filters {
		if f.Field != idField {
			continue
		}
		switch f.Op {
		case OpEq:
			v, ok := asInt64(f.Value)
			if !ok {
				continue
			}
			lo, hi, incLo, incHi = v, v, true, true
			used++
		case OpLt:
			if v, ok := asInt64(f.Value); ok {
				if v-1 < hi {
					hi, incHi = v-1, true
				}
				used++
			}
		case OpLte:
			if v, ok := asInt64(f.Value); ok {
				if v < hi {
					hi = v
				}
				used++
			}
		case OpGt:
			if v, ok := asInt64(f.Value); ok {
				if v+1 > lo {
					lo = v + 1
				}
				used++
			}
		case OpGte:
			if v, ok := asInt64(f.Value); ok {
				if v > lo {
					lo = v
				}
				used++
			}
		case OpBetween:
			loV, okLo := asInt64(f.Lo)
			hiV, okHi := asInt64(f.Hi)
			if okLo && okHi {
				lo, hi, incLo, incHi = loV, hiV, true, true
				used++
			}
		}
	}

	if used == 0 {
		return queryPlan{}, false, nil
	}
	return queryPlan{kind: ScanPrimaryKeyRange, idLo: lo, idHi: hi, idIncLo: incLo, idIncHi: incHi, filtersUsed: used}, true, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}

func findFilter(filters []Filter, field string, ops ...Op) (Filter, bool) {
	for _, f := range filters {
		if f.Field != field {
			continue
		}
		for _, op := range ops {
			if f.Op == op {
				return f, true
			}
		}
	}
	return Filter{}, false
}

// pickSecondaryIndexPlan chooses the index maximizing
// (fields_used, equality_prefix_length), ties broken by declaration
// order (spec.md §4.9 step 2).
func pickSecondaryIndexPlan(meta catalog.CollectionMeta, filters []Filter) (queryPlan, bool, error) {
	var best queryPlan
	bestUsed, bestEq := -1, -1
	found := false

	for _, idx := range meta.Indexes {
		eqCount := 0
		eqFilters := make([]Filter, 0, len(idx.Fields))
		for _, fname := range idx.Fields {
			f, ok := findFilter(filters, fname, OpEq)
			if !ok {
				break
			}
			eqFilters = append(eqFilters, f)
			eqCount++
		}

		used := eqCount
		var rangeFilter Filter
		hasRange := false
		if eqCount < len(idx.Fields) {
			nextField := idx.Fields[eqCount]
			if f, ok := findFilter(filters, nextField, OpBetween, OpLt, OpLte, OpGt, OpGte, OpStartsWith); ok {
				rangeFilter, hasRange = f, true
				used++
			}
		}

		if used == 0 {
			continue
		}
		if used > bestUsed || (used == bestUsed && eqCount > bestEq) {
			plan, err := buildSecondaryPlan(meta, idx, eqFilters, rangeFilter, hasRange)
			if err != nil {
				return queryPlan{}, false, err
			}
			plan.filtersUsed = used
			best, bestUsed, bestEq, found = plan, used, eqCount, true
		}
	}

	return best, found, nil
}

func buildSecondaryPlan(meta catalog.CollectionMeta, idx catalog.IndexSpec, eqFilters []Filter, rangeFilter Filter, hasRange bool) (queryPlan, error) {
	parts := make([][]byte, 0, len(eqFilters))
	for i, f := range eqFilters {
		kind, _ := meta.FieldKind(idx.Fields[i])
		enc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, f.Value))
		if err != nil {
			return queryPlan{}, err
		}
		parts = append(parts, enc)
	}
	prefix := keyenc.Concat(parts...)

	plan := queryPlan{kind: ScanSecondaryIndex, index: idx}

	if !hasRange {
		plan.indexLo = prefix
		plan.indexIncLo = true
		if end, ok := keyenc.PrefixEnd(prefix); ok {
			plan.indexHi, plan.indexIncHi = end, false
		} else {
			plan.indexHi = nil
		}
		return plan, nil
	}

	nextField := idx.Fields[len(eqFilters)]
	kind, _ := meta.FieldKind(nextField)

	switch rangeFilter.Op {
	case OpStartsWith:
		s, _ := rangeFilter.Value.(string)
		stringPrefix := append([]byte{keyenc.ValuePrefix}, []byte(s)...)
		plan.indexLo = keyenc.Concat(prefix, stringPrefix)
		plan.indexIncLo = true
		plan.usePrefix = true
		return plan, nil
	case OpBetween:
		loEnc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, rangeFilter.Lo))
		if err != nil {
			return queryPlan{}, err
		}
		hiEnc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, rangeFilter.Hi))
		if err != nil {
			return queryPlan{}, err
		}
		plan.indexLo = keyenc.Concat(prefix, loEnc)
		plan.indexHi = keyenc.Concat(prefix, hiEnc)
		plan.indexIncLo, plan.indexIncHi = true, true
		if end, ok := keyenc.PrefixEnd(plan.indexHi); ok {
			plan.indexHi, plan.indexIncHi = end, false
		}
		return plan, nil
	case OpLt, OpLte, OpGt, OpGte:
		enc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, rangeFilter.Value))
		if err != nil {
			return queryPlan{}, err
		}
		bound := keyenc.Concat(prefix, enc)
		switch rangeFilter.Op {
		case OpLt:
			plan.indexLo, plan.indexIncLo = prefix, true
			plan.indexHi, plan.indexIncHi = bound, false
		case OpLte:
			plan.indexLo, plan.indexIncLo = prefix, true
			if end, ok := keyenc.PrefixEnd(bound); ok {
				plan.indexHi, plan.indexIncHi = end, false
			}
		case OpGt:
			plan.indexLo, plan.indexIncLo = bound, false
			if end, ok := keyenc.PrefixEnd(prefix); ok {
				plan.indexHi, plan.indexIncHi = end, false
			}
		case OpGte:
			plan.indexLo, plan.indexIncLo = bound, true
			if end, ok := keyenc.PrefixEnd(prefix); ok {
				plan.indexHi, plan.indexIncHi = end, false
			}
		}
		return plan, nil
	}

	plan.indexLo, plan.indexIncLo = prefix, true
	if end, ok := keyenc.PrefixEnd(prefix); ok {
		plan.indexHi, plan.indexIncHi = end, false
	}
	return plan, nil
}

func explainFor(plan queryPlan, totalFilters int) QueryExplanation {
	e := QueryExplanation{
		ScanType:           plan.kind,
		TotalFilters:       totalFilters,
		FiltersUsedByIndex: plan.filtersUsed,
	}
	e.FiltersAppliedAfterScan = totalFilters - plan.filtersUsed
	if e.FiltersAppliedAfterScan < 0 {
		e.FiltersAppliedAfterScan = 0
	}

	switch plan.kind {
	case ScanPrimaryKeyRange:
		e.IndexedField = idField
		e.RangeStart, e.RangeEnd = plan.idLo, plan.idHi
		e.IncludesStart, e.IncludesEnd = plan.idIncLo, plan.idIncHi
		e.ScanDescription = "primary key range scan"
	case ScanSecondaryIndex:
		e.IndexedField = strings.Join(plan.index.Fields, "_")
		e.RangeStart = fmt.Sprintf("%x", plan.indexLo)
		e.RangeEnd = fmt.Sprintf("%x", plan.indexHi)
		e.IncludesStart, e.IncludesEnd = plan.indexIncLo, plan.indexIncHi
		e.ScanDescription = "secondary index scan on " + e.IndexedField
	default:
		e.ScanDescription = "full collection scan"
	}
	return e
}

// matchFilter evaluates one filter against a candidate record's field
// values (and its id, for filters targeting [idField]).
func matchFilter(meta catalog.CollectionMeta, id int64, fields map[string]fieldValue, f Filter) (bool, error) {
	if f.Field == idField {
		return matchInt64(id, f), nil
	}

	kind, ok := meta.FieldKind(f.Field)
	if !ok {
		return false, nil
	}
	fv, ok := fields[f.Field]
	if !ok {
		fv = fieldValue{Kind: kind, Val: nil}
	}

	if f.Op == OpStartsWith {
		s, ok := fv.Val.(string)
		if !ok {
			return false, nil
		}
		prefix, _ := f.Value.(string)
		return strings.HasPrefix(s, prefix), nil
	}

	fvEnc, err := fv.encode()
	if err != nil {
		return false, err
	}

	switch f.Op {
	case OpIn:
		for _, v := range f.Values {
			enc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, v))
			if err != nil {
				return false, err
			}
			if bytes.Equal(fvEnc, enc) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		for _, v := range f.Values {
			enc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, v))
			if err != nil {
				return false, err
			}
			if bytes.Equal(fvEnc, enc) {
				return false, nil
			}
		}
		return true, nil
	case OpBetween:
		loEnc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, f.Lo))
		if err != nil {
			return false, err
		}
		hiEnc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, f.Hi))
		if err != nil {
			return false, err
		}
		return bytes.Compare(fvEnc, loEnc) >= 0 && bytes.Compare(fvEnc, hiEnc) <= 0, nil
	}

	enc, err := keyenc.EncodeAny(kind, normalizeDynValue(kind, f.Value))
	if err != nil {
		return false, err
	}
	cmp := bytes.Compare(fvEnc, enc)
	switch f.Op {
	case OpEq:
		return cmp == 0, nil
	case OpNeq:
		return cmp != 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLte:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGte:
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("galdrdb: unsupported filter operator %d", f.Op)
	}
}

func matchInt64(id int64, f Filter) bool {
	switch f.Op {
	case OpEq:
		v, _ := asInt64(f.Value)
		return id == v
	case OpNeq:
		v, _ := asInt64(f.Value)
		return id != v
	case OpLt:
		v, _ := asInt64(f.Value)
		return id < v
	case OpLte:
		v, _ := asInt64(f.Value)
		return id <= v
	case OpGt:
		v, _ := asInt64(f.Value)
		return id > v
	case OpGte:
		v, _ := asInt64(f.Value)
		return id >= v
	case OpBetween:
		lo, _ := asInt64(f.Lo)
		hi, _ := asInt64(f.Hi)
		return id >= lo && id <= hi
	case OpIn:
		for _, v := range f.Values {
			if n, ok := asInt64(v); ok && n == id {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range f.Values {
			if n, ok := asInt64(v); ok && n == id {
				return false
			}
		}
		return true
	}
	return false
}

func matchAll(meta catalog.CollectionMeta, id int64, fields map[string]fieldValue, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchFilter(meta, id, fields, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// runQuery executes the full spec.md §4.9 algorithm: plan selection,
// scan, write-set overlay, filtering, ordering, and pagination.
// loadCommittedFields decodes a committed (non-write-set) document's
// field values for id, as visible at the transaction's snapshot;
// ok=false means the document does not exist at that snapshot.
func runQuery(
	tx *Transaction,
	collection string,
	meta catalog.CollectionMeta,
	filters []Filter,
	orderField string,
	orderDesc bool,
	skip int,
	limit int,
	hasLimit bool,
	loadCommittedFields func(id int64) (map[string]fieldValue, bool, error),
) ([]int64, QueryExplanation, error) {
	plan, err := pickPlan(meta, filters)
	if err != nil {
		return nil, QueryExplanation{}, err
	}
	explain := explainFor(plan, len(filters))

	var committedIDs []int64
	switch plan.kind {
	case ScanPrimaryKeyRange:
		pt := btree.NewPrimary(tx.txn, meta.PrimaryRoot, btree.DefaultOrder)
		err = pt.Range(plan.idLo, plan.idHi, plan.idIncLo, plan.idIncHi, func(id int64, _ docstore.Location) (bool, error) {
			committedIDs = append(committedIDs, id)
			return true, nil
		})
	case ScanSecondaryIndex:
		sec := btree.NewSecondary(tx.txn, plan.index.RootPage, plan.index.AvgKeySize)
		collect := func(fullKey []byte, _ docstore.Location) (bool, error) {
			_, id := btree.SplitID(fullKey)
			committedIDs = append(committedIDs, id)
			return true, nil
		}
		if plan.usePrefix {
			err = sec.PrefixScan(plan.indexLo, collect)
		} else {
			err = sec.Range(plan.indexLo, plan.indexHi, plan.indexIncLo, plan.indexIncHi, collect)
		}
	default:
		pt := btree.NewPrimary(tx.txn, meta.PrimaryRoot, btree.DefaultOrder)
		err = pt.All(func(id int64, _ docstore.Location) (bool, error) {
			committedIDs = append(committedIDs, id)
			return true, nil
		})
	}
	if err != nil {
		return nil, explain, err
	}

	seen := make(map[int64]bool, len(committedIDs))
	type matched struct {
		id     int64
		fields map[string]fieldValue
	}
	var results []matched

	for _, id := range committedIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		key := writeKey{collection, id}
		var fields map[string]fieldValue
		if op, ok := tx.ops[key]; ok {
			if op.kind == opDelete {
				continue
			}
			fields = op.fields
		} else {
			f, visible, err := loadCommittedFields(id)
			if err != nil {
				return nil, explain, err
			}
			if !visible {
				// Committed after this transaction's snapshot.
				continue
			}
			fields = f
		}

		ok, err := matchAll(meta, id, fields, filters)
		if err != nil {
			return nil, explain, err
		}
		if ok {
			results = append(results, matched{id, fields})
		}
	}

	var freshIDs []int64
	for key, op := range tx.ops {
		if key.collection != collection || seen[key.id] || op.kind != opInsert {
			continue
		}
		freshIDs = append(freshIDs, key.id)
	}
	sort.Slice(freshIDs, func(i, j int) bool { return freshIDs[i] < freshIDs[j] })
	for _, id := range freshIDs {
		op := tx.ops[writeKey{collection, id}]
		ok, err := matchAll(meta, id, op.fields, filters)
		if err != nil {
			return nil, explain, err
		}
		if ok {
			results = append(results, matched{id, op.fields})
		}
	}

	// Documents a newer commit deleted (or relocated) no longer surface
	// from the tree scan, yet this transaction's snapshot may still be
	// entitled to them; the version history knows which ids those can be.
	for _, id := range tx.txn.ModifiedKeys(collection) {
		if seen[id] {
			continue
		}
		if _, staged := tx.ops[writeKey{collection, id}]; staged {
			continue
		}
		seen[id] = true

		fields, visible, err := loadCommittedFields(id)
		if err != nil {
			return nil, explain, err
		}
		if !visible {
			continue
		}
		ok, err := matchAll(meta, id, fields, filters)
		if err != nil {
			return nil, explain, err
		}
		if ok {
			results = append(results, matched{id, fields})
		}
	}

	if orderField != "" {
		kind, _ := meta.FieldKind(orderField)
		sort.SliceStable(results, func(i, j int) bool {
			a, _ := (fieldValue{Kind: kind, Val: results[i].fields[orderField].Val}).encode()
			b, _ := (fieldValue{Kind: kind, Val: results[j].fields[orderField].Val}).encode()
			cmp := bytes.Compare(a, b)
			if orderDesc {
				return cmp > 0
			}
			return cmp < 0
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool { return results[i].id < results[j].id })
	}

	if skip > 0 {
		if skip >= len(results) {
			results = nil
		} else {
			results = results[skip:]
		}
	}
	if hasLimit && limit >= 0 && limit < len(results) {
		results = results[:limit]
	}

	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.id
	}
	return ids, explain, nil
}

// withQueryTx runs fn against tx if non-nil, otherwise opens and rolls
// back a fresh read-only transaction around the call.
func withQueryTx[R any](tx *Transaction, db *Db, fn func(tx *Transaction) (R, QueryExplanation, error)) (R, QueryExplanation, error) {
	if tx != nil {
		return fn(tx)
	}
	var zero R
	owned, err := db.BeginReadOnlyTransaction()
	if err != nil {
		return zero, QueryExplanation{}, err
	}
	defer func() { _ = owned.Rollback() }()
	return fn(owned)
}

// QueryBuilder is [Collection.Query]'s fluent builder.
type QueryBuilder[T any] struct {
	col *Collection[T]
	tx  *Transaction

	filters       []Filter
	orderField    string
	orderDesc     bool
	skipN, limitN int
	hasLimit      bool
}

func (q *QueryBuilder[T]) Where(field string, op Op, value any) *QueryBuilder[T] {
	q.filters = append(q.filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q *QueryBuilder[T]) WhereBetween(field string, lo, hi any) *QueryBuilder[T] {
	q.filters = append(q.filters, Filter{Field: field, Op: OpBetween, Lo: lo, Hi: hi})
	return q
}

func (q *QueryBuilder[T]) WhereIn(field string, values ...any) *QueryBuilder[T] {
	q.filters = append(q.filters, Filter{Field: field, Op: OpIn, Values: values})
	return q
}

func (q *QueryBuilder[T]) WhereNotIn(field string, values ...any) *QueryBuilder[T] {
	q.filters = append(q.filters, Filter{Field: field, Op: OpNotIn, Values: values})
	return q
}

func (q *QueryBuilder[T]) OrderBy(field string) *QueryBuilder[T] {
	q.orderField, q.orderDesc = field, false
	return q
}

func (q *QueryBuilder[T]) OrderByDescending(field string) *QueryBuilder[T] {
	q.orderField, q.orderDesc = field, true
	return q
}

func (q *QueryBuilder[T]) Skip(n int) *QueryBuilder[T] { q.skipN = n; return q }

func (q *QueryBuilder[T]) Limit(n int) *QueryBuilder[T] {
	q.limitN, q.hasLimit = n, true
	return q
}

func (q *QueryBuilder[T]) idsOnly() ([]int64, QueryExplanation, error) {
	return withQueryTx(q.tx, q.col.db, q.idsOnlyTx)
}

func (q *QueryBuilder[T]) idsOnlyTx(tx *Transaction) ([]int64, QueryExplanation, error) {
	meta, ok := q.col.db.cat.Get(q.col.ti.CollectionName)
	if !ok {
		return nil, QueryExplanation{ScanType: ScanFullScan, TotalFilters: len(q.filters)}, nil
	}
	return runQuery(tx, q.col.ti.CollectionName, meta, q.filters, q.orderField, q.orderDesc, q.skipN, q.limitN, q.hasLimit,
		func(id int64) (map[string]fieldValue, bool, error) {
			payload, found, err := tx.get(q.col.ti.CollectionName, id)
			if err != nil || !found {
				return nil, false, err
			}
			v, err := q.col.ti.Deserialize(payload)
			if err != nil {
				return nil, false, err
			}
			return typedFieldValues(q.col.ti, v), true, nil
		})
}

// collect runs the id phase and payload loads inside one transaction, so
// both observe the same snapshot.
func (q *QueryBuilder[T]) collect() ([]*T, error) {
	out, _, err := withQueryTx(q.tx, q.col.db, func(tx *Transaction) ([]*T, QueryExplanation, error) {
		ids, explain, err := q.idsOnlyTx(tx)
		if err != nil {
			return nil, explain, err
		}
		out := make([]*T, 0, len(ids))
		for _, id := range ids {
			payload, found, err := tx.get(q.col.ti.CollectionName, id)
			if err != nil {
				return nil, explain, err
			}
			if !found {
				continue
			}
			v, err := q.col.ti.Deserialize(payload)
			if err != nil {
				return nil, explain, err
			}
			out = append(out, v)
		}
		return out, explain, nil
	})
	return out, err
}

// ToList runs the query and returns every matching record.
func (q *QueryBuilder[T]) ToList() ([]*T, error) { return q.collect() }

// FirstOrDefault returns the first matching record, or nil if none match.
func (q *QueryBuilder[T]) FirstOrDefault() (*T, error) {
	out, err := q.collect()
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// Count returns the number of matching records.
func (q *QueryBuilder[T]) Count() (int, error) {
	ids, _, err := q.idsOnly()
	return len(ids), err
}

// Any reports whether any record matches.
func (q *QueryBuilder[T]) Any() (bool, error) {
	ids, _, err := q.idsOnly()
	return len(ids) > 0, err
}

// Explain reports the plan this query would execute, without decoding
// any matched records.
func (q *QueryBuilder[T]) Explain() (QueryExplanation, error) {
	_, explain, err := q.idsOnly()
	return explain, err
}

// DynQueryBuilder is [DynCollection.Query]'s fluent builder.
type DynQueryBuilder struct {
	col *DynCollection
	tx  *Transaction

	filters       []Filter
	orderField    string
	orderDesc     bool
	skipN, limitN int
	hasLimit      bool
}

func (q *DynQueryBuilder) Where(field string, op Op, value any) *DynQueryBuilder {
	q.filters = append(q.filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q *DynQueryBuilder) WhereBetween(field string, lo, hi any) *DynQueryBuilder {
	q.filters = append(q.filters, Filter{Field: field, Op: OpBetween, Lo: lo, Hi: hi})
	return q
}

func (q *DynQueryBuilder) WhereIn(field string, values ...any) *DynQueryBuilder {
	q.filters = append(q.filters, Filter{Field: field, Op: OpIn, Values: values})
	return q
}

func (q *DynQueryBuilder) WhereNotIn(field string, values ...any) *DynQueryBuilder {
	q.filters = append(q.filters, Filter{Field: field, Op: OpNotIn, Values: values})
	return q
}

func (q *DynQueryBuilder) OrderBy(field string) *DynQueryBuilder {
	q.orderField, q.orderDesc = field, false
	return q
}

func (q *DynQueryBuilder) OrderByDescending(field string) *DynQueryBuilder {
	q.orderField, q.orderDesc = field, true
	return q
}

func (q *DynQueryBuilder) Skip(n int) *DynQueryBuilder { q.skipN = n; return q }

func (q *DynQueryBuilder) Limit(n int) *DynQueryBuilder {
	q.limitN, q.hasLimit = n, true
	return q
}

func (q *DynQueryBuilder) idsOnly() ([]int64, QueryExplanation, error) {
	return withQueryTx(q.tx, q.col.db, q.idsOnlyTx)
}

func (q *DynQueryBuilder) idsOnlyTx(tx *Transaction) ([]int64, QueryExplanation, error) {
	meta, ok := q.col.db.cat.Get(q.col.name)
	if !ok {
		return nil, QueryExplanation{ScanType: ScanFullScan, TotalFilters: len(q.filters)}, nil
	}
	return runQuery(tx, q.col.name, meta, q.filters, q.orderField, q.orderDesc, q.skipN, q.limitN, q.hasLimit,
		func(id int64) (map[string]fieldValue, bool, error) {
			payload, found, err := tx.get(q.col.name, id)
			if err != nil || !found {
				return nil, false, err
			}
			d := &Doc{}
			if err := json.Unmarshal(payload, d); err != nil {
				return nil, false, err
			}
			f, _ := dynFieldValues(meta, d)
			return f, true, nil
		})
}

// collect runs the id phase and payload loads inside one transaction, so
// both observe the same snapshot.
func (q *DynQueryBuilder) collect() ([]*Doc, error) {
	out, _, err := withQueryTx(q.tx, q.col.db, func(tx *Transaction) ([]*Doc, QueryExplanation, error) {
		ids, explain, err := q.idsOnlyTx(tx)
		if err != nil {
			return nil, explain, err
		}
		out := make([]*Doc, 0, len(ids))
		for _, id := range ids {
			payload, found, err := tx.get(q.col.name, id)
			if err != nil {
				return nil, explain, err
			}
			if !found {
				continue
			}
			d := &Doc{}
			if err := json.Unmarshal(payload, d); err != nil {
				return nil, explain, err
			}
			d.ID = id
			out = append(out, d)
		}
		return out, explain, nil
	})
	return out, err
}

// ToList runs the query and returns every matching document.
func (q *DynQueryBuilder) ToList() ([]*Doc, error) { return q.collect() }

// FirstOrDefault returns the first matching document, or nil if none match.
func (q *DynQueryBuilder) FirstOrDefault() (*Doc, error) {
	out, err := q.collect()
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// Count returns the number of matching documents.
func (q *DynQueryBuilder) Count() (int, error) {
	ids, _, err := q.idsOnly()
	return len(ids), err
}

// Any reports whether any document matches.
func (q *DynQueryBuilder) Any() (bool, error) {
	ids, _, err := q.idsOnly()
	return len(ids) > 0, err
}

// Explain reports the plan this query would execute.
func (q *DynQueryBuilder) Explain() (QueryExplanation, error) {
	_, explain, err := q.idsOnly()
	return explain, err
}
