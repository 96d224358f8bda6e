package value

import (
	"github.com/andreyvit/tap"
)

// Type ids on the wire. 1 and 13 are reserved for type and builtin objects,
// which this object model does not have; 2 is tap.OpaqueTypeID.
const (
	TypeNone     tap.TypeID = 0
	TypeBool     tap.TypeID = 3
	TypeInt      tap.TypeID = 4
	TypeTuple    tap.TypeID = 5
	TypeList     tap.TypeID = 6
	TypeDict     tap.TypeID = 7
	TypeBytes    tap.TypeID = 8
	TypeStr      tap.TypeID = 9
	TypeCode     tap.TypeID = 10
	TypeFunction tap.TypeID = 11
	TypeModule   tap.TypeID = 12
	TypeFloat    tap.TypeID = 14
)

// Classify maps an object to its type id.
func Classify(obj any) tap.TypeID {
	switch obj.(type) {
	case *None:
		return TypeNone
	case *Bool:
		return TypeBool
	case *Int:
		return TypeInt
	case *Float:
		return TypeFloat
	case *Str:
		return TypeStr
	case *Bytes:
		return TypeBytes
	case *Tuple:
		return TypeTuple
	case *List:
		return TypeList
	case *Dict:
		return TypeDict
	case *Code:
		return TypeCode
	case *Function:
		return TypeFunction
	case *Module:
		return TypeModule
	default:
		return tap.NoType
	}
}

func newRegistry(h *Heap) *tap.Registry {
	return tap.NewRegistry(Classify,
		noneCodec(h),
		boolCodec(h),
		intCodec(h),
		floatCodec(h),
		strCodec(h),
		bytesCodec(h),
		&tupleCodec{codecBase{h, TypeTuple, "tuple"}},
		&listCodec{codecBase{h, TypeList, "list"}},
		&dictCodec{codecBase{h, TypeDict, "dict"}},
		&codeCodec{codecBase{h, TypeCode, "code"}},
		&functionCodec{codecBase{h, TypeFunction, "function"}},
		&moduleCodec{codecBase{h, TypeModule, "module"}},
	)
}
