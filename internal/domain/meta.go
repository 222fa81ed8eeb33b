package domain

type metaKind int

const (
	metaLiteral metaKind = iota
	metaComputed
	metaAttribute
)

// MetaSource is a closed variant describing where a metadata value comes
// from: a literal, a function of the record, or a named attribute. When the
// named attribute changed in the mutation being recorded, the pre-change
// value is preferred unless the event is a create.
type MetaSource struct {
	kind      metaKind
	literal   any
	compute   func(*Record) any
	attribute string
}

// MetaLiteral wraps a fixed metadata value.
func MetaLiteral(value any) MetaSource {
	return MetaSource{kind: metaLiteral, literal: value}
}

// MetaComputed wraps a function evaluated against the record at event time.
func MetaComputed(fn func(*Record) any) MetaSource {
	return MetaSource{kind: metaComputed, compute: fn}
}

// MetaAttribute references a record attribute by name.
func MetaAttribute(name string) MetaSource {
	return MetaSource{kind: metaAttribute, attribute: name}
}

// Resolve produces the metadata value for one event.
func (m MetaSource) Resolve(rec *Record, changes ChangeSet, event Event) any {
	switch m.kind {
	case metaComputed:
		if m.compute == nil {
			return nil
		}
		return m.compute(rec)
	case metaAttribute:
		if event != EventCreate {
			if change, ok := changes[m.attribute]; ok {
				return change.Old
			}
		}
		v, _ := rec.Attribute(m.attribute)
		return v
	default:
		return m.literal
	}
}
