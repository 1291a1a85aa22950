// Package dc is the distributed-class type catalog: object classes, their
// declared fields with keyword flags, and the codec that packs and unpacks
// field argument tuples. The rest of the cluster treats it as an oracle:
// given a class number, enumerate fields and flags; given a field, move its
// packed bytes between datagrams and typed values.
package dc

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Flags are the per-field policy keywords.
type Flags uint16

const (
	Required Flags = 1 << iota
	Broadcast
	Ram
	Db
	ClSend
	OwnSend
	AIRecv
)

// Is reports whether every flag in mask is set.
func (f Flags) Is(mask Flags) bool { return f&mask == mask }

// ArgType identifies one primitive argument in a field's tuple.
type ArgType uint8

const (
	Uint8 ArgType = iota
	Uint16
	Uint32
	Uint64
	Int32
	String
	Blob
	// Uint32List is a u16 element count followed by that many u32 values.
	Uint32List
	// PairU32U8List is a u16 pair count followed by that many (u32, u8)
	// pairs. Friend lists use it: (friendId, friendType).
	PairU32U8List
)

// Field is one declared field of a class.
type Field struct {
	Number uint16
	Name   string
	Flags  Flags
	Args   []ArgType

	// DefaultValue, when non-nil, is the decoded default tuple applied by
	// the Database Server at create time for db-flagged fields.
	DefaultValue []any
}

// Class is one object class with its fields in declaration order. Field
// numbers are assigned in declaration order, so Fields is also field-number
// ordered.
type Class struct {
	Number uint16
	Name   string

	fields   []*Field
	byNumber map[uint16]*Field
	byName   map[string]*Field
}

// Fields returns every declared field in field-number order.
func (c *Class) Fields() []*Field { return c.fields }

// RequiredFields returns the fields flagged required, in field-number order.
func (c *Class) RequiredFields() []*Field {
	out := make([]*Field, 0, len(c.fields))
	for _, f := range c.fields {
		if f.Flags.Is(Required) {
			out = append(out, f)
		}
	}
	return out
}

// Field resolves a field by number.
func (c *Class) Field(number uint16) (*Field, bool) {
	f, ok := c.byNumber[number]
	return f, ok
}

// FieldByName resolves a field by name.
func (c *Class) FieldByName(name string) (*Field, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// File is a catalog of classes. Build one with NewFile and AddClass; the
// whole cluster shares a single immutable instance.
type File struct {
	classes  []*Class
	byNumber map[uint16]*Class
	byName   map[string]*Class

	avatarClass string
}

// NewFile returns an empty catalog.
func NewFile() *File {
	return &File{
		byNumber: make(map[uint16]*Class),
		byName:   make(map[string]*Class),
	}
}

// AddClass registers a class. The class number is the registration order.
// Field numbers are assigned from the declaration order of defs.
func (f *File) AddClass(name string, defs ...FieldDef) (*Class, error) {
	if _, dup := f.byName[name]; dup {
		return nil, fmt.Errorf("dc: duplicate class %q", name)
	}
	c := &Class{
		Number:   uint16(len(f.classes)),
		Name:     name,
		byNumber: make(map[uint16]*Field),
		byName:   make(map[string]*Field),
	}
	for i, def := range defs {
		if _, dup := c.byName[def.Name]; dup {
			return nil, fmt.Errorf("dc: duplicate field %q in class %q", def.Name, name)
		}
		fld := &Field{
			Number:       uint16(i),
			Name:         def.Name,
			Flags:        def.Flags,
			Args:         def.Args,
			DefaultValue: def.Default,
		}
		c.fields = append(c.fields, fld)
		c.byNumber[fld.Number] = fld
		c.byName[fld.Name] = fld
	}
	f.classes = append(f.classes, c)
	f.byNumber[c.Number] = c
	f.byName[name] = c
	return c, nil
}

// FieldDef describes one field for AddClass.
type FieldDef struct {
	Name    string
	Flags   Flags
	Args    []ArgType
	Default []any
}

// Class resolves a class by number.
func (f *File) Class(number uint16) (*Class, bool) {
	c, ok := f.byNumber[number]
	return c, ok
}

// ClassByName resolves a class by name.
func (f *File) ClassByName(name string) (*Class, bool) {
	c, ok := f.byName[name]
	return c, ok
}

// SetAvatarClass names the player-avatar class. The Client Agent uses it to
// keep quiet-zone avatar enters away from clients.
func (f *File) SetAvatarClass(name string) { f.avatarClass = name }

// IsAvatarClass reports whether classNumber is the player-avatar class.
func (f *File) IsAvatarClass(classNumber uint16) bool {
	c, ok := f.byNumber[classNumber]
	return ok && c.Name == f.avatarClass
}

// Hash returns a 32-bit digest over every class and field declaration.
// Clients present it at login; a mismatch means the two ends disagree on
// the catalog.
func (f *File) Hash() uint32 {
	h := fnv.New32a()
	numbers := make([]int, 0, len(f.classes))
	for n := range f.byNumber {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		c := f.byNumber[uint16(n)]
		fmt.Fprintf(h, "%d:%s;", c.Number, c.Name)
		for _, fld := range c.fields {
			fmt.Fprintf(h, "%d:%s:%d:", fld.Number, fld.Name, fld.Flags)
			for _, a := range fld.Args {
				fmt.Fprintf(h, "%d,", a)
			}
			fmt.Fprint(h, ";")
		}
	}
	return h.Sum32()
}
