package relic

import (
	"fmt"
	"strings"
)

// RelationKind is the cardinality of one side of a discovered relation.
type RelationKind string

const (
	OneToOne   RelationKind = "OneToOne"
	OneToMany  RelationKind = "OneToMany"
	ManyToOne  RelationKind = "ManyToOne"
	ManyToMany RelationKind = "ManyToMany"
)

// Relation is an immutable descriptor of a structural link between two
// model types, produced by Discover. Every relation has a mirror for the
// opposite direction in the same pass; a side that declares no navigation
// property appears with an empty LocalProperty ("lazy" side).
type Relation struct {
	LocalType   string
	ForeignType string

	// LocalProperty / ForeignProperty are the navigation property names on
	// each side; empty when that side declares none.
	LocalProperty   string
	ForeignProperty string

	Kind RelationKind

	LocalTable      string
	ForeignTable    string
	LocalSingular   string
	ForeignSingular string

	// ForeignKeyTable/ForeignKeyColumn are set for every non-many-to-many
	// relation; the column lives on the table of the "to-one" side and is
	// named {ReferencedSingular}{Link}Id.
	ForeignKeyTable  string
	ForeignKeyColumn string

	// Pivot naming, set only for many-to-many sides.
	PivotTable         string
	PivotLocalColumn   string
	PivotForeignColumn string

	// Link is the shared, type-name-independent token disambiguating
	// multiple relations between the same two types; empty otherwise.
	Link string
}

// fkOnLocal reports whether this side's table carries the foreign key.
func (r *Relation) fkOnLocal() bool {
	return r.ForeignKeyTable != "" && r.ForeignKeyTable == r.LocalTable
}

func (r *Relation) String() string {
	return fmt.Sprintf("%s.%s -[%s/%s]-> %s.%s", r.LocalType, r.LocalProperty, r.Kind, r.Link, r.ForeignType, r.ForeignProperty)
}

// Discovered returns the process-wide relation list, computing it on first
// use and caching it until the model set changes. Ambiguity is fatal.
func Discovered() ([]*Relation, error) {
	models.mu.Lock()
	defer models.mu.Unlock()
	if models.discovered {
		return models.relations, models.discoverErr
	}

	rels, err := discover()
	models.relations = rels
	models.discoverErr = err
	models.discovered = true
	if err == nil {
		for _, d := range models.byName {
			d.relations = nil
		}
		// lazy sides attach too: their table may still carry the key
		for _, r := range rels {
			d := models.byName[r.LocalType]
			d.relations = append(d.relations, r)
		}
	}
	return rels, err
}

// candidate is one navigation property pointing from one type at another.
type candidate struct {
	prop  *Property
	multi bool
	link  string
	taken bool
}

// discover runs the structural inference pass over the registered model
// set. Types are enumerated sorted by simple name and properties in
// declaration order, so repeated runs over an unchanged set produce an
// identical sequence; each relation is immediately followed by its mirror.
func discover() ([]*Relation, error) {
	var out []*Relation
	for i, aName := range models.order {
		for _, bName := range models.order[i+1:] {
			a, b := models.byName[aName], models.byName[bName]
			rels, err := discoverPair(a, b)
			if err != nil {
				return nil, err
			}
			out = append(out, rels...)
		}
	}
	// navigation properties referencing unregistered types are a
	// configuration error surfaced here, not at query time
	for _, name := range models.order {
		for _, p := range models.byName[name].Properties {
			if p.Kind == KindPrimitive {
				continue
			}
			if _, ok := models.byType[p.Type]; !ok {
				return nil, fmt.Errorf("relic: %s.%s references unregistered type %s", name, p.Name, p.Type.Name())
			}
		}
	}
	return out, nil
}

func discoverPair(a, b *Descriptor) ([]*Relation, error) {
	aCands := candidates(a, b)
	bCands := candidates(b, a)
	if len(aCands) == 0 && len(bCands) == 0 {
		return nil, nil
	}

	// a single structurally-qualifying pair needs no link identifier
	if len(aCands) <= 1 && len(bCands) <= 1 {
		var ac, bc *candidate
		if len(aCands) == 1 {
			ac = aCands[0]
		}
		if len(bCands) == 1 {
			bc = bCands[0]
		}
		return emitPair(a, b, ac, bc, ""), nil
	}

	// multiple pairs: every candidate name must embed the target type name
	// plus a shared link token, matched case-sensitively
	if err := assignLinks(a, b, aCands); err != nil {
		return nil, err
	}
	if err := assignLinks(b, a, bCands); err != nil {
		return nil, err
	}

	var out []*Relation
	for _, ac := range aCands {
		bc := byLink(bCands, ac.link)
		if bc != nil {
			bc.taken = true
		}
		out = append(out, emitPair(a, b, ac, bc, ac.link)...)
	}
	for _, bc := range bCands {
		if bc.taken {
			continue
		}
		out = append(out, emitPair(a, b, nil, bc, bc.link)...)
	}
	return out, nil
}

// candidates collects from's navigation properties whose element type is
// to's type, in declaration order.
func candidates(from, to *Descriptor) []*candidate {
	var out []*candidate
	for _, p := range from.Properties {
		if p.Kind == KindPrimitive || p.Type != to.Type {
			continue
		}
		out = append(out, &candidate{prop: p, multi: p.Kind == KindCollection})
	}
	return out
}

// assignLinks extracts the link identifier from each candidate's property
// name: the name with the target type name (pluralized for collections)
// stripped as prefix or suffix. An empty or unextractable token, or the
// same token on two properties of one side, cannot be disambiguated and
// fails discovery.
func assignLinks(from, to *Descriptor, cands []*candidate) error {
	seen := map[string]string{}
	for _, c := range cands {
		target := to.Singular
		if c.multi {
			target = plural.Plural(to.Singular)
		}
		link, ok := extractLink(c.prop.Name, target)
		if !ok {
			return &DiscoveryError{
				LocalType:   from.Name,
				ForeignType: to.Name,
				Properties:  propNames(cands),
				Err:         fmt.Errorf("%w: property %s carries no link identifier", ErrAmbiguousRelation, c.prop.Name),
			}
		}
		if prev, dup := seen[link]; dup {
			return &DiscoveryError{
				LocalType:   from.Name,
				ForeignType: to.Name,
				Properties:  []string{prev, c.prop.Name},
				Err:         fmt.Errorf("%w: properties %s and %s share link identifier %q", ErrAmbiguousRelation, prev, c.prop.Name, link),
			}
		}
		seen[link] = c.prop.Name
		c.link = link
	}
	return nil
}

func extractLink(propName, typeName string) (string, bool) {
	var link string
	switch {
	case strings.HasPrefix(propName, typeName):
		link = propName[len(typeName):]
	case strings.HasSuffix(propName, typeName):
		link = propName[:len(propName)-len(typeName)]
	default:
		return "", false
	}
	if link == "" || link == typeName {
		return "", false
	}
	return link, true
}

func byLink(cands []*candidate, link string) *candidate {
	for _, c := range cands {
		if c.link == link {
			return c
		}
	}
	return nil
}

func propNames(cands []*candidate) []string {
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.prop.Name
	}
	return names
}

// emitPair produces the two mirrored relation records for one matched (or
// half-declared) property pair. a precedes b in discovery order.
func emitPair(a, b *Descriptor, ac, bc *candidate, link string) []*Relation {
	aMulti := ac != nil && ac.multi
	bMulti := bc != nil && bc.multi
	if ac == nil {
		// only b declares the property; a's cardinality defaults to the
		// mirror of b's so the foreign key lands on the to-one side
		aMulti = !bMulti
	}
	if bc == nil {
		bMulti = !aMulti
	}

	aSide := &Relation{
		LocalType: a.Name, ForeignType: b.Name,
		LocalTable: a.Table, ForeignTable: b.Table,
		LocalSingular: a.Singular, ForeignSingular: b.Singular,
		Link: link,
	}
	if ac != nil {
		aSide.LocalProperty = ac.prop.Name
	}
	if bc != nil {
		aSide.ForeignProperty = bc.prop.Name
	}
	bSide := &Relation{
		LocalType: b.Name, ForeignType: a.Name,
		LocalTable: b.Table, ForeignTable: a.Table,
		LocalSingular: b.Singular, ForeignSingular: a.Singular,
		LocalProperty: aSide.ForeignProperty, ForeignProperty: aSide.LocalProperty,
		Link: link,
	}

	switch {
	case aMulti && bMulti:
		aSide.Kind, bSide.Kind = ManyToMany, ManyToMany
		pivot := a.Table + link + b.Table
		aCol := a.Singular + "Id"
		bCol := b.Singular + "Id"
		aSide.PivotTable, bSide.PivotTable = pivot, pivot
		aSide.PivotLocalColumn, aSide.PivotForeignColumn = aCol, bCol
		bSide.PivotLocalColumn, bSide.PivotForeignColumn = bCol, aCol
	case aMulti && !bMulti:
		// b holds the key referencing a
		aSide.Kind, bSide.Kind = OneToMany, ManyToOne
		col := a.Singular + link + "Id"
		aSide.ForeignKeyTable, aSide.ForeignKeyColumn = b.Table, col
		bSide.ForeignKeyTable, bSide.ForeignKeyColumn = b.Table, col
	case !aMulti && bMulti:
		aSide.Kind, bSide.Kind = ManyToOne, OneToMany
		col := b.Singular + link + "Id"
		aSide.ForeignKeyTable, aSide.ForeignKeyColumn = a.Table, col
		bSide.ForeignKeyTable, bSide.ForeignKeyColumn = a.Table, col
	default:
		// one-to-one: the key lives on the second type's table
		aSide.Kind, bSide.Kind = OneToOne, OneToOne
		col := a.Singular + link + "Id"
		aSide.ForeignKeyTable, aSide.ForeignKeyColumn = b.Table, col
		bSide.ForeignKeyTable, bSide.ForeignKeyColumn = b.Table, col
	}

	return []*Relation{aSide, bSide}
}
