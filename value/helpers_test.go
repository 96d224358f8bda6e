package value

import (
	"encoding/binary"

	"github.com/andreyvit/tap"
)

func appendInt32(buf []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v))
}

func keyBytes(keys ...tap.Key) []byte {
	var buf []byte
	for _, k := range keys {
		buf = appendInt32(buf, int32(k))
	}
	return buf
}

func section(id tap.SectionID, body ...[]byte) []byte {
	var content []byte
	for _, b := range body {
		content = append(content, b...)
	}
	buf := appendInt32(nil, int32(8+len(content)))
	buf = appendInt32(buf, int32(id))
	return append(buf, content...)
}

func record(id tap.TypeID, k tap.Key, payload []byte) []byte {
	buf := appendInt32(nil, int32(12+len(payload)))
	buf = appendInt32(buf, int32(id))
	buf = appendInt32(buf, int32(k))
	return append(buf, payload...)
}
