package tap

const (
	sectionHeaderSize = 8
	recordHeaderSize  = 12
	keySize           = 4
)

// SectionID identifies a section of a sync buffer.
type SectionID int32

const (
	ObjectSection SectionID = 0
	FreeSection   SectionID = 1
)

func (id SectionID) String() string {
	switch id {
	case ObjectSection:
		return "objects"
	case FreeSection:
		return "frees"
	default:
		return "unknown"
	}
}

// Record is one serialized object of an object section.
type Record struct {
	Off     int
	TypeID  TypeID
	Key     Key
	Payload []byte
}

// Frame is the parsed layout of a sync buffer. Keys are in wire form.
type Frame struct {
	Frees      []Key
	HasObjects bool
	Root       Key
	Records    []Record
}

// ParseFrame splits data into sections and records, checking every size
// against the buffer before anything is interpreted.
func ParseFrame(data []byte) (*Frame, error) {
	f := new(Frame)
	d := makeByteDecoder(data)
	for d.Len() > 0 {
		start := d.Off()
		if d.Len() < sectionHeaderSize {
			return nil, dataErrf(data, start, nil, "trailing %d bytes", d.Len())
		}
		size, _ := d.Int32()
		rawID, _ := d.Int32()
		if size < sectionHeaderSize || int(size)-sectionHeaderSize > d.Len() {
			return nil, dataErrf(data, start, nil, "section size %d out of range", size)
		}
		body, _ := d.Raw(int(size) - sectionHeaderSize)
		bodyOff := start + sectionHeaderSize

		switch id := SectionID(rawID); id {
		case FreeSection:
			if len(body)%keySize != 0 {
				return nil, dataErrf(data, start, nil, "free section size %d is not a multiple of %d", size, keySize)
			}
			for i := 0; i < len(body); i += keySize {
				k := GetKey(body[i:])
				if k <= 0 {
					return nil, dataErrf(data, bodyOff+i, nil, "invalid freed key %d", int32(k))
				}
				f.Frees = append(f.Frees, k)
			}
		case ObjectSection:
			if f.HasObjects {
				return nil, dataErrf(data, start, nil, "second object section")
			}
			f.HasObjects = true
			if err := parseObjectSection(f, data, body, bodyOff); err != nil {
				return nil, err
			}
		default:
			return nil, dataErrf(data, start, nil, "unknown section id %d", rawID)
		}
	}
	return f, nil
}

func parseObjectSection(f *Frame, data, body []byte, bodyOff int) error {
	if len(body) < keySize {
		return dataErrf(data, bodyOff, nil, "object section without root key")
	}
	f.Root = GetKey(body)
	if f.Root < 0 {
		return dataErrf(data, bodyOff, nil, "invalid root key %d", int32(f.Root))
	}
	off := keySize
	for off < len(body) {
		if len(body)-off < recordHeaderSize {
			return dataErrf(data, bodyOff+off, nil, "truncated record header")
		}
		size := int(getInt32(body[off:]))
		if size < recordHeaderSize || size > len(body)-off {
			return dataErrf(data, bodyOff+off, nil, "record size %d out of range", size)
		}
		f.Records = append(f.Records, Record{
			Off:     bodyOff + off,
			TypeID:  TypeID(getInt32(body[off+4:])),
			Key:     GetKey(body[off+8:]),
			Payload: body[off+recordHeaderSize : off+size],
		})
		off += size
	}
	return nil
}
