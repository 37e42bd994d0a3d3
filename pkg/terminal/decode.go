package terminal

import (
	"encoding/binary"
	"fmt"
)

// DecodeSnapshot parses a binary snapshot frame back into a Snapshot.
// It exists primarily to verify the round-trip law of §8
// (decode(encode(S)) == S modulo trailing-blank trimming) and to give
// non-Go clients' test suites something to mirror.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	if len(data) < 28 {
		return Snapshot{}, fmt.Errorf("snapshot frame too short: %d bytes", len(data))
	}
	magic := uint16(data[0]) | uint16(data[1])<<8
	if magic != snapshotMagic {
		return Snapshot{}, fmt.Errorf("bad magic: %#x", magic)
	}
	version := data[2]
	if version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported version: %d", version)
	}

	cols := int(binary.LittleEndian.Uint32(data[4:8]))
	rows := int(binary.LittleEndian.Uint32(data[8:12]))
	viewportY := int(int32(binary.LittleEndian.Uint32(data[12:16])))
	cursorX := int(int32(binary.LittleEndian.Uint32(data[16:20])))
	cursorY := int(int32(binary.LittleEndian.Uint32(data[20:24])))

	snap := Snapshot{
		Cols:      cols,
		Rows:      rows,
		ViewportY: viewportY,
		CursorX:   cursorX,
		CursorY:   cursorY,
		Cells:     makeGrid(cols, rows),
	}

	pos := 28
	row := 0
	for row < rows && pos < len(data) {
		marker := data[pos]
		pos++
		switch marker {
		case 0xFE:
			if pos >= len(data) {
				return snap, fmt.Errorf("truncated empty-row marker")
			}
			count := int(data[pos])
			pos++
			row += count
		case 0xFD:
			if pos+2 > len(data) {
				return snap, fmt.Errorf("truncated row marker")
			}
			cellCount := int(binary.LittleEndian.Uint16(data[pos : pos+2]))
			pos += 2
			// cellCount is the number of cell encodings on the wire, not
			// the column span — a wide character consumes one encoding
			// but two columns, and its continuation column was never
			// written. Advance col by the decoded cell's width so this
			// stays symmetric with writeContentRow.
			col := 0
			for c := 0; c < cellCount; c++ {
				cell, n, err := decodeCell(data[pos:])
				if err != nil {
					return snap, err
				}
				pos += n
				if col < cols {
					snap.Cells[row][col] = cell
					if cell.Width == 2 && col+1 < cols {
						snap.Cells[row][col+1] = Cell{Char: 0, FgColor: cell.FgColor, BgColor: cell.BgColor, Attrs: cell.Attrs, Width: 0}
					}
				}
				if cell.Width == 2 {
					col += 2
				} else {
					col++
				}
			}
			row++
		default:
			return snap, fmt.Errorf("unknown row marker byte %#x", marker)
		}
	}

	return snap, nil
}

func decodeCell(data []byte) (Cell, int, error) {
	if len(data) == 0 {
		return Cell{}, 0, fmt.Errorf("truncated cell")
	}
	typeByte := data[0]
	pos := 1

	if typeByte == 0x00 {
		return Cell{Char: ' ', FgColor: -1, BgColor: -1, Width: 1}, 1, nil
	}

	hasExtended := typeByte&0x80 != 0
	isUnicode := typeByte&0x40 != 0
	hasFg := typeByte&0x20 != 0
	hasBg := typeByte&0x10 != 0
	fgRGB := typeByte&0x08 != 0
	bgRGB := typeByte&0x04 != 0

	var ch rune
	if isUnicode {
		if pos >= len(data) {
			return Cell{}, 0, fmt.Errorf("truncated unicode length")
		}
		length := int(data[pos])
		pos++
		if pos+length > len(data) {
			return Cell{}, 0, fmt.Errorf("truncated unicode bytes")
		}
		runes := []rune(string(data[pos : pos+length]))
		if len(runes) > 0 {
			ch = runes[0]
		}
		pos += length
	} else {
		if pos >= len(data) {
			return Cell{}, 0, fmt.Errorf("truncated ascii byte")
		}
		ch = rune(data[pos])
		pos++
	}

	cell := Cell{Char: ch, FgColor: -1, BgColor: -1, Width: uint8(runeWidth(ch))}

	if hasExtended {
		if pos >= len(data) {
			return Cell{}, 0, fmt.Errorf("truncated attrs byte")
		}
		cell.Attrs = data[pos]
		pos++

		if hasFg {
			c, n, err := decodeColor(data[pos:], fgRGB)
			if err != nil {
				return Cell{}, 0, err
			}
			cell.FgColor = c
			pos += n
		}
		if hasBg {
			c, n, err := decodeColor(data[pos:], bgRGB)
			if err != nil {
				return Cell{}, 0, err
			}
			cell.BgColor = c
			pos += n
		}
	}

	return cell, pos, nil
}

func decodeColor(data []byte, isRGB bool) (int32, int, error) {
	if isRGB {
		if len(data) < 3 {
			return 0, 0, fmt.Errorf("truncated rgb color")
		}
		return packRGB(data[0], data[1], data[2]), 3, nil
	}
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("truncated palette color")
	}
	return int32(data[0]), 1, nil
}
