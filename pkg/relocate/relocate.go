// Package relocate computes the relocation plan that lets the bootloader
// accept a program image whose load address overlaps the bootloader's own
// memory, by staging the overlapping portion elsewhere until a relocation
// stub can copy it into place and jump.
package relocate

import (
	"hash/crc32"

	"github.com/armboot/fwlink/pkg/memspace"
)

// PageSize is the alignment granularity for the stage buffer's base
// address.
const PageSize = 0x4000

func roundUp(n, multiple uint32) uint32 {
	return (n + multiple - 1) &^ (multiple - 1)
}

// Plan is the outcome of planning a single upload session: whether
// relocation is needed, and if so, where the overlapping bytes are staged
// and where the relocation stub must be placed to pick them back up.
type Plan struct {
	NeedsRelocation bool
	BaseAddress     memspace.Address
	StageBase       memspace.Address
	StageBytes      uint32
	StubEntry       memspace.Address
	FinalEntry      memspace.Address
}

// Compute derives a Plan for an image of imageLength bytes being loaded at
// baseAddress, given where the running bootloader's own image ends.
func Compute(baseAddress memspace.Address, imageLength uint32, bootloaderEnd memspace.Address) Plan {
	needsRelocation := baseAddress < bootloaderEnd

	kEnd := uint32(baseAddress) + imageLength
	highestUsed := uint32(bootloaderEnd)
	if kEnd > highestUsed {
		highestUsed = kEnd
	}
	stageBase := roundUp(highestUsed, PageSize)

	plan := Plan{
		NeedsRelocation: needsRelocation,
		BaseAddress:     baseAddress,
		StageBase:       memspace.Address(stageBase),
		FinalEntry:      baseAddress,
	}

	if needsRelocation {
		boundary := uint32(bootloaderEnd)
		if kEnd < boundary {
			boundary = kEnd
		}
		stageBytes := boundary - uint32(baseAddress)
		plan.StageBytes = stageBytes
		plan.StubEntry = memspace.Address(roundUp(stageBase+stageBytes, 4))
	} else {
		plan.StageBytes = 0
		plan.StubEntry = memspace.Address(highestUsed)
	}

	return plan
}

// overlapsStagedRegion reports whether address falls within the portion of
// the image that needed to be staged rather than written in place.
func (p Plan) overlapsStagedRegion(address memspace.Address, n int) bool {
	if !p.NeedsRelocation {
		return false
	}
	regionEnd := uint32(p.BaseAddress) + p.StageBytes
	return uint32(address) >= uint32(p.BaseAddress) && uint32(address)+uint32(n) <= regionEnd
}

// WriteBytes routes data to the stage buffer (if address falls in the
// overlapping region the plan computed) or directly to its final
// destination in mem. A write that starts inside that region and runs past
// its end is split at the boundary: the head is staged, the rest is written
// in place.
func (p Plan) WriteBytes(mem *memspace.Memory, address memspace.Address, data []byte) error {
	if p.NeedsRelocation {
		regionEnd := uint32(p.BaseAddress) + p.StageBytes
		if uint32(address) < regionEnd && uint32(address)+uint32(len(data)) > regionEnd {
			head := regionEnd - uint32(address)
			if err := p.WriteBytes(mem, address, data[:head]); err != nil {
				return err
			}
			return p.WriteBytes(mem, memspace.Address(regionEnd), data[head:])
		}
	}
	target := address
	if p.overlapsStagedRegion(address, len(data)) {
		offset := uint32(address) - uint32(p.BaseAddress)
		target = p.StageBase + memspace.Address(offset)
	}
	return mem.WriteAt(target, data)
}

// VerifyIntegrity recomputes the CRC-32 over the staged bytes (if any)
// followed by the in-place tail, in that exact order, and compares it
// against expectedCRC. totalLength is the full image length.
func (p Plan) VerifyIntegrity(mem *memspace.Memory, expectedCRC uint32, totalLength uint32) (uint32, bool, error) {
	hasher := crc32.NewIEEE()

	if p.NeedsRelocation {
		staged, err := mem.ReadAt(p.StageBase, int(p.StageBytes))
		if err != nil {
			return 0, false, err
		}
		hasher.Write(staged)
	}

	tailAddr := p.BaseAddress + memspace.Address(p.StageBytes)
	tailLen := totalLength - p.StageBytes
	tail, err := mem.ReadAt(tailAddr, int(tailLen))
	if err != nil {
		return 0, false, err
	}
	hasher.Write(tail)

	sum := hasher.Sum32()
	return sum, sum == expectedCRC, nil
}
