package seal

import "fmt"

// TLV metadata tags.
const (
	tagLcsO          = 0xC0
	tagMaxSize       = 0xC4
	tagUsedSize      = 0xC5
	tagChangeAccess  = 0xD0
	tagReadAccess    = 0xD1
	tagExecuteAccess = 0xD3
	tagObjectType    = 0xE8
)

// encodeMetadata renders Metadata as the element's TLV wire format. Each
// entry is tag(1) length(1) value(len).
func encodeMetadata(m Metadata) []byte {
	var out []byte
	put := func(tag byte, v []byte) {
		out = append(out, tag, byte(len(v)))
		out = append(out, v...)
	}
	put(tagLcsO, []byte{byte(m.Lcs)})
	put(tagMaxSize, []byte{byte(m.MaxSize >> 8), byte(m.MaxSize)})
	put(tagUsedSize, []byte{byte(m.UsedSize >> 8), byte(m.UsedSize)})
	put(tagChangeAccess, []byte{byte(m.ChangeAccess)})
	put(tagReadAccess, []byte{byte(m.ReadAccess)})
	put(tagExecuteAccess, []byte{byte(m.ExecuteAccess)})
	put(tagObjectType, []byte{m.ObjectType})
	return out
}

// decodeMetadata parses the element's TLV wire format back into Metadata.
// Unknown tags are skipped rather than rejected, so forward-compatible
// devices that emit extra TLV entries still parse.
func decodeMetadata(b []byte) (Metadata, error) {
	var m Metadata
	i := 0
	for i+2 <= len(b) {
		tag := b[i]
		length := int(b[i+1])
		i += 2
		if i+length > len(b) {
			return m, fmt.Errorf("seal: truncated metadata TLV at tag 0x%02x", tag)
		}
		val := b[i : i+length]
		i += length
		switch tag {
		case tagLcsO:
			if length > 0 {
				m.Lcs = LifecycleState(val[0])
			}
		case tagMaxSize:
			m.MaxSize = be16(val)
		case tagUsedSize:
			m.UsedSize = be16(val)
		case tagChangeAccess:
			if length > 0 {
				m.ChangeAccess = AccessCondition(val[0])
			}
		case tagReadAccess:
			if length > 0 {
				m.ReadAccess = AccessCondition(val[0])
			}
		case tagExecuteAccess:
			if length > 0 {
				m.ExecuteAccess = AccessCondition(val[0])
			}
		case tagObjectType:
			if length > 0 {
				m.ObjectType = val[0]
			}
		}
	}
	return m, nil
}

func be16(b []byte) uint16 {
	if len(b) < 2 {
		if len(b) == 1 {
			return uint16(b[0])
		}
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

// EncodeMetadata exposes encodeMetadata for Element implementations that
// need to produce wire-format TLV bytes (the simulator included).
func EncodeMetadata(m Metadata) []byte { return encodeMetadata(m) }

// DecodeMetadata exposes decodeMetadata for Element implementations.
func DecodeMetadata(b []byte) (Metadata, error) { return decodeMetadata(b) }
