package terminal

import (
	"bytes"
	"encoding/binary"
)

// magic + version identify the binary snapshot frame format of §4.5/§6.
const (
	snapshotMagic   = uint16(0x5654) // "VT"
	snapshotVersion = byte(0x01)
)

// EncodeSnapshot serializes a Snapshot into the compact binary frame
// format: a 28-byte header followed by one encoded row per logical
// row, with trailing blank rows and trailing blank cells trimmed per
// §4.5. (The format allows extending the header to 32 bytes with
// documented-zero padding; this implementation emits the minimal
// 28-byte form, matching the literal wire example in §8.)
func EncodeSnapshot(snap Snapshot) []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(snapshotMagic))
	buf.WriteByte(byte(snapshotMagic >> 8))
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(0x00) // flags

	_ = binary.Write(&buf, binary.LittleEndian, uint32(snap.Cols))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(snap.Rows))
	_ = binary.Write(&buf, binary.LittleEndian, int32(snap.ViewportY))
	_ = binary.Write(&buf, binary.LittleEndian, int32(snap.CursorX))
	_ = binary.Write(&buf, binary.LittleEndian, int32(snap.CursorY))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0)) // reserved

	// Trim trailing blank rows: a row is blank if every cell in it is
	// blank per isBlankCell below.
	lastNonBlankRow := -1
	for y := 0; y < snap.Rows; y++ {
		if !isRowBlank(snap.Cells[y]) {
			lastNonBlankRow = y
		}
	}

	y := 0
	for y <= lastNonBlankRow {
		if isRowBlank(snap.Cells[y]) {
			run := 0
			for y <= lastNonBlankRow && isRowBlank(snap.Cells[y]) && run < 255 {
				run++
				y++
			}
			buf.WriteByte(0xFE)
			buf.WriteByte(byte(run))
			continue
		}
		writeContentRow(&buf, snap.Cells[y])
		y++
	}

	return buf.Bytes()
}

// isBlankCell reports whether a cell is exactly a default-style space:
// the fix for the teacher's bug of treating any space as blank
// regardless of style. A styled space (non-default fg/bg/attrs) is not
// blank, per §4.5's "a row of only a lone default-style space is
// treated as empty."
func isBlankCell(c Cell) bool {
	isSpaceOrNil := c.Char == 0 || c.Char == ' '
	return isSpaceOrNil && c.FgColor == -1 && c.BgColor == -1 && c.Attrs == 0
}

func isRowBlank(row []Cell) bool {
	for _, c := range row {
		if !isBlankCell(c) {
			return false
		}
	}
	return true
}

func writeContentRow(buf *bytes.Buffer, row []Cell) {
	lastIdx := len(row) - 1
	for ; lastIdx >= 0; lastIdx-- {
		if !isBlankCell(row[lastIdx]) {
			break
		}
	}

	if lastIdx < 0 {
		buf.WriteByte(0xFE)
		buf.WriteByte(1)
		return
	}

	// cellCount is the number of cell encodings that follow, not the
	// column span: a wide character's continuation cell (Width == 0) is
	// skipped on the wire, so it must not be counted either, or the
	// decoder desyncs trying to read a cell encoding that was never
	// written.
	cellCount := 0
	for i := 0; i <= lastIdx; i++ {
		if row[i].Width == 0 {
			continue
		}
		cellCount++
	}

	buf.WriteByte(0xFD)
	_ = binary.Write(buf, binary.LittleEndian, uint16(cellCount))

	for i := 0; i <= lastIdx; i++ {
		if row[i].Width == 0 {
			// continuation cell of a wide character to its left; the
			// leading cell already reported width 2 and this column is
			// skipped per §4.1.
			continue
		}
		writeCell(buf, &row[i])
	}
}

func writeCell(buf *bytes.Buffer, cell *Cell) {
	if isBlankCell(*cell) {
		buf.WriteByte(0x00)
		return
	}

	var typeByte uint8
	hasExtended := cell.FgColor != -1 || cell.BgColor != -1 || cell.Attrs != 0

	ch := cell.Char
	if ch == 0 {
		ch = ' '
	}

	isASCII := ch < 128
	if isASCII {
		typeByte |= 0x01
	} else {
		typeByte |= 0x02
		typeByte |= 0x40 // unicode flag
	}

	if cell.FgColor != -1 {
		typeByte |= 0x20
		if cell.FgColor > 255 {
			typeByte |= 0x08
		}
	}
	if cell.BgColor != -1 {
		typeByte |= 0x10
		if cell.BgColor > 255 {
			typeByte |= 0x04
		}
	}
	if hasExtended {
		typeByte |= 0x80
	}

	buf.WriteByte(typeByte)

	if isASCII {
		buf.WriteByte(byte(ch))
	} else {
		utf8Bytes := []byte(string(ch))
		buf.WriteByte(byte(len(utf8Bytes)))
		buf.Write(utf8Bytes)
	}

	if !hasExtended {
		return
	}

	buf.WriteByte(cell.Attrs)

	if cell.FgColor != -1 {
		writeColor(buf, cell.FgColor)
	}
	if cell.BgColor != -1 {
		writeColor(buf, cell.BgColor)
	}
}

func writeColor(buf *bytes.Buffer, c int32) {
	if c <= 255 {
		buf.WriteByte(byte(c))
		return
	}
	r, g, b := unpackRGB(c)
	buf.WriteByte(r)
	buf.WriteByte(g)
	buf.WriteByte(b)
}
