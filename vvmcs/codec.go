package vvmcs

// Page is a virtual VMCS: a 4 KiB guest page viewed as 512 64-bit slots.
type Page [512]uint64

// Read decodes the logical value of enc within page, masking and
// half-selecting per enc's width and access type. The result is always
// zero-extended to 64 bits.
func Read(page *Page, enc Encoding) uint64 {
	slot := page[enc.Offset()]

	switch enc.Width() {
	case Width16:
		return slot & 0xffff
	case Width64:
		if enc.AccessType() != 0 {
			return slot >> 32
		}
		return slot
	case Width32:
		return slot & 0xffffffff
	default: // WidthNatural
		return slot
	}
}

// Write merges value into the slot backing enc within page, per enc's
// width and access type. A 64-bit field written through its high half
// (access type 1) leaves the low 32 bits of the slot untouched; a write
// through its full encoding (access type 0) replaces the whole slot.
func Write(page *Page, enc Encoding, value uint64) {
	offset := enc.Offset()
	slot := page[offset]

	switch enc.Width() {
	case Width16:
		slot = value & 0xffff
	case Width64:
		if enc.AccessType() != 0 {
			slot = (slot & 0xffffffff) | (value << 32)
		} else {
			slot = value
		}
	case Width32:
		slot = value & 0xffffffff
	default: // WidthNatural
		slot = value
	}

	page[offset] = slot
}
