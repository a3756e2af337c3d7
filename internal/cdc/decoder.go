package cdc

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// WatchedTable is the only relation the worker projects. Inserts into any
// other table carried by the publication are ignored.
const WatchedTable = "outbox_events"

// Row is one decoded outbox row. Columns carry their SQL null-ness
// alongside the text value so the projector can tell an absent column from
// an empty string.
type Row struct {
	values map[string]string
	valid  map[string]bool
}

// Get returns the column value and whether the column was non-null.
func (r Row) Get(col string) (string, bool) {
	if !r.valid[col] {
		return "", false
	}
	return r.values[col], true
}

// Decoder turns pgoutput messages into Rows. It keeps a registry of
// relation messages keyed by relation ID, because insert messages reference
// their columns positionally.
type Decoder struct {
	relations map[uint32]*pglogrepl.RelationMessageV2
}

func NewDecoder() *Decoder {
	return &Decoder{relations: make(map[uint32]*pglogrepl.RelationMessageV2)}
}

// RegisterRelation records the column layout for a relation. pgoutput sends
// the relation message before the first row of any transaction touching it.
func (d *Decoder) RegisterRelation(msg *pglogrepl.RelationMessageV2) {
	d.relations[msg.RelationID] = msg
}

// DecodeInsert decodes an insert into a Row. The second return is false
// when the insert belongs to a table other than WatchedTable.
func (d *Decoder) DecodeInsert(msg *pglogrepl.InsertMessageV2) (Row, bool, error) {
	rel, ok := d.relations[msg.RelationID]
	if !ok {
		return Row{}, false, fmt.Errorf("insert for unknown relation id %d", msg.RelationID)
	}
	if rel.RelationName != WatchedTable {
		return Row{}, false, nil
	}
	if msg.Tuple == nil {
		return Row{}, false, fmt.Errorf("insert for %s carries no tuple", rel.RelationName)
	}

	row := Row{
		values: make(map[string]string, len(rel.Columns)),
		valid:  make(map[string]bool, len(rel.Columns)),
	}
	for i, col := range msg.Tuple.Columns {
		if i >= len(rel.Columns) {
			return Row{}, false, fmt.Errorf("tuple has %d columns, relation %s declares %d",
				len(msg.Tuple.Columns), rel.RelationName, len(rel.Columns))
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 't':
			row.values[name] = string(col.Data)
			row.valid[name] = true
		case 'n', 'u':
			// null, or an unchanged TOAST value we treat the same way
		}
	}
	return row, true, nil
}
