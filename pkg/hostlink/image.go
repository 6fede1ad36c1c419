package hostlink

import (
	"bytes"
	"debug/elf"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"

	"github.com/armboot/fwlink/pkg/memspace"
	"github.com/armboot/fwlink/pkg/proto"
)

// Image is a program ready to upload: a flat byte sequence plus the load
// address and CRC-32 spec.md §4.2's Metadata carries. metadata() always
// sets compressed == decompressed, so Image has no separate compressed form.
type Image struct {
	Bytes       []byte
	LoadAddress uint32
	Crc         uint32
}

func (img Image) metadata() proto.Metadata {
	n := uint32(len(img.Bytes))
	return proto.Metadata{
		LoadAddress:     img.LoadAddress,
		CompressedLen:   n,
		DecompressedLen: n,
		CompressedCrc:   img.Crc,
		DecompressedCrc: img.Crc,
	}
}

// ErrShortChunk is returned by Image.chunk when index addresses past the
// end of the image.
type ErrShortChunk struct{ Index, Total uint32 }

func (e *ErrShortChunk) Error() string {
	return fmt.Sprintf("hostlink: chunk index %d is out of range for a %d-byte image", e.Index, e.Total)
}

func (img Image) chunk(index, chunkSize uint32) ([]byte, error) {
	start := uint64(index) * uint64(chunkSize)
	if start >= uint64(len(img.Bytes)) {
		return nil, &ErrShortChunk{Index: index, Total: uint32(len(img.Bytes))}
	}
	end := start + uint64(chunkSize)
	if end > uint64(len(img.Bytes)) {
		end = uint64(len(img.Bytes))
	}
	return img.Bytes[start:end], nil
}

func memAddress(a uint32) memspace.Address { return memspace.Address(a) }

// ObjectType names the two shapes --override-object-type accepts: a raw
// flat binary with an address supplied out of band, or an ELF file the
// load address (and the exact bytes to place in memory) can be derived
// from directly.
type ObjectType string

const (
	ObjectTypeAuto ObjectType = ""
	ObjectTypeELF  ObjectType = "elf"
	ObjectTypeBin  ObjectType = "bin"
)

// ParseObjectType validates a --override-object-type flag value.
func ParseObjectType(s string) (ObjectType, error) {
	switch ObjectType(s) {
	case ObjectTypeAuto, ObjectTypeELF, ObjectTypeBin:
		return ObjectType(s), nil
	default:
		return "", fmt.Errorf("hostlink: unknown object type %q, want \"elf\" or \"bin\"", s)
	}
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// LoadImage reads path and turns it into a flat Image. With objType
// ObjectTypeAuto, the file is sniffed for the ELF magic; otherwise objType
// forces the interpretation regardless of the file's actual contents,
// matching the --override-object-type flag's name. loadAddressOverride, if
// non-empty, parses as a Go integer literal (so both "0x1000" and "4096"
// work) and replaces whatever address the object itself would have
// supplied — required for ObjectTypeBin, since a flat binary carries no
// address of its own.
func LoadImage(path string, objType ObjectType, loadAddressOverride string) (Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("hostlink: read image: %w", err)
	}

	effective := objType
	if effective == ObjectTypeAuto {
		if len(raw) >= 4 && bytes.Equal(raw[:4], elfMagic) {
			effective = ObjectTypeELF
		} else {
			effective = ObjectTypeBin
		}
	}

	var flat []byte
	var loadAddr uint32
	switch effective {
	case ObjectTypeELF:
		flat, loadAddr, err = flattenELF(raw)
		if err != nil {
			return Image{}, err
		}
	case ObjectTypeBin:
		flat = raw
	default:
		return Image{}, fmt.Errorf("hostlink: unsupported object type %q", effective)
	}

	if loadAddressOverride != "" {
		n, perr := strconv.ParseUint(loadAddressOverride, 0, 32)
		if perr != nil {
			return Image{}, fmt.Errorf("hostlink: --load-address %q: %w", loadAddressOverride, perr)
		}
		loadAddr = uint32(n)
	} else if effective == ObjectTypeBin {
		return Image{}, fmt.Errorf("hostlink: --load-address is required for a raw binary image")
	}

	return Image{
		Bytes:       flat,
		LoadAddress: loadAddr,
		Crc:         crc32.ChecksumIEEE(flat),
	}, nil
}

// flattenELF extracts the first PT_LOAD segment's bytes (zero-padded out to
// its declared memory size, so BSS reserved by the link but not present in
// the file still lands in the image the device CRC-checks) and its physical
// load address. This upload scheme only ever transfers one contiguous
// image, so a second PT_LOAD segment — unusual for the small bootstrap
// programs this protocol targets — is reported rather than silently
// dropped.
func flattenELF(raw []byte) ([]byte, uint32, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("hostlink: parse ELF: %w", err)
	}
	defer f.Close()

	var load *elf.Prog
	extra := 0
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if load == nil {
			load = p
			continue
		}
		extra++
	}
	if load == nil {
		return nil, 0, fmt.Errorf("hostlink: ELF file has no PT_LOAD segment")
	}
	if extra > 0 {
		return nil, 0, fmt.Errorf("hostlink: ELF file has %d additional PT_LOAD segments; only a single contiguous segment is supported", extra)
	}

	data, err := io.ReadAll(load.Open())
	if err != nil {
		return nil, 0, fmt.Errorf("hostlink: read PT_LOAD segment: %w", err)
	}
	if uint64(len(data)) < load.Memsz {
		padded := make([]byte, load.Memsz)
		copy(padded, data)
		data = padded
	}

	addr := load.Paddr
	if addr == 0 {
		addr = load.Vaddr
	}
	if addr > 0xffffffff {
		return nil, 0, fmt.Errorf("hostlink: ELF load address %#x does not fit a 32-bit target", addr)
	}
	return data, uint32(addr), nil
}
