package dc

// NewToonFile builds the game catalog every component of the cluster loads:
// the persistent Account record, the per-shard district object, and the
// player avatar class.
func NewToonFile() (*File, error) {
	f := NewFile()

	_, err := f.AddClass("Account",
		FieldDef{
			Name:    "ACCOUNT_AV_SET",
			Flags:   Required | Db,
			Args:    []ArgType{Uint32List},
			Default: []any{[]uint32{0, 0, 0, 0, 0, 0}},
		},
		FieldDef{
			Name:    "ACCOUNT_AV_SET_DEL",
			Flags:   Db,
			Args:    []ArgType{Uint32List},
			Default: []any{[]uint32{}},
		},
		FieldDef{
			Name:    "CREATED",
			Flags:   Db,
			Args:    []ArgType{String},
			Default: []any{""},
		},
		FieldDef{
			Name:    "LAST_LOGIN",
			Flags:   Db,
			Args:    []ArgType{String},
			Default: []any{""},
		},
	)
	if err != nil {
		return nil, err
	}

	_, err = f.AddClass("DistributedDistrict",
		FieldDef{
			Name:  "setName",
			Flags: Required | Broadcast | Ram,
			Args:  []ArgType{String},
		},
		FieldDef{
			Name:  "setAvailable",
			Flags: Required | Broadcast | Ram,
			Args:  []ArgType{Uint8},
		},
	)
	if err != nil {
		return nil, err
	}

	_, err = f.AddClass("DistributedToon",
		FieldDef{
			Name:    "setName",
			Flags:   Required | Broadcast | Db | Ram,
			Args:    []ArgType{String},
			Default: []any{"Toon"},
		},
		FieldDef{
			Name:  "setDNAString",
			Flags: Required | Broadcast | Db | Ram,
			Args:  []ArgType{String},
		},
		FieldDef{
			Name:    "setMaxHp",
			Flags:   Required | Broadcast | Db | Ram,
			Args:    []ArgType{Uint16},
			Default: []any{15},
		},
		FieldDef{
			Name:    "setHp",
			Flags:   Required | Broadcast | OwnSend | Db | Ram,
			Args:    []ArgType{Uint16},
			Default: []any{15},
		},
		FieldDef{
			Name:    "setPosIndex",
			Flags:   Db,
			Args:    []ArgType{Uint8},
			Default: []any{0},
		},
		FieldDef{
			Name:    "setNameIndex",
			Flags:   Db,
			Args:    []ArgType{Uint8},
			Default: []any{0},
		},
		FieldDef{
			Name:    "WishName",
			Flags:   Db,
			Args:    []ArgType{String},
			Default: []any{""},
		},
		FieldDef{
			Name:  "setTalk",
			Flags: Broadcast | ClSend,
			Args:  []ArgType{String},
		},
		FieldDef{
			Name:  "setAnimState",
			Flags: Broadcast | OwnSend | Ram,
			Args:  []ArgType{String},
		},
		FieldDef{
			Name:    "setFriendsList",
			Flags:   Db | Ram,
			Args:    []ArgType{PairU32U8List},
			Default: []any{[][2]uint64{}},
		},
	)
	if err != nil {
		return nil, err
	}

	f.SetAvatarClass("DistributedToon")
	return f, nil
}
