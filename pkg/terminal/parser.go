package terminal

// processByte drives the classical byte-oriented VT state machine:
// Normal/Escape/CSI/OSC/DCS, the same shape as node-pty-class emulators.
// OSC and DCS are consumed and discarded (titles are parsed but ignored
// per §4.1).
func (s *Screen) processByte(b byte) {
	switch s.state {
	case stateNormal:
		s.processNormalControl(b)
	case stateEscape:
		s.processEscape(b)
	case stateCSI:
		s.processCSI(b)
	case stateOSC:
		s.processOSC(b)
	case stateDCS:
		s.processDCS(b)
	}
}

func (s *Screen) processNormalControl(b byte) {
	switch b {
	case 0x1B: // ESC
		s.state = stateEscape
	case '\n', 0x0B, 0x0C: // LF, VT, FF
		s.lineFeed()
	case '\r': // CR
		s.cursorX = 0
	case '\b': // BS
		if s.cursorX > 0 {
			s.cursorX--
		}
	case '\t': // TAB, stops every 8 columns
		next := ((s.cursorX / 8) + 1) * 8
		if next >= s.cols {
			next = s.cols - 1
		}
		s.cursorX = next
	case 0x07, 0x00: // BEL, NUL: ignored
	}
}

func (s *Screen) writeRune(r rune) {
	width := uint8(1)
	if runeWidth(r) == 2 {
		width = 2
	}

	if s.cursorX >= s.cols {
		s.cursorX = 0
		s.lineFeed()
	}

	if s.cursorY >= 0 && s.cursorY < len(s.cells) && s.cursorX < s.cols {
		s.cells[s.cursorY][s.cursorX] = Cell{
			Char:    r,
			FgColor: s.curFg,
			BgColor: s.curBg,
			Attrs:   s.curAttrs,
			Width:   width,
		}
		s.cursorX++
		if width == 2 && s.cursorX < s.cols {
			s.cells[s.cursorY][s.cursorX] = Cell{Char: 0, FgColor: s.curFg, BgColor: s.curBg, Attrs: s.curAttrs, Width: 0}
			s.cursorX++
		}
	}
}

func (s *Screen) lineFeed() {
	s.cursorY++
	if s.cursorY >= len(s.cells) {
		s.cells = append(s.cells[1:], makeGrid(s.cols, 1)[0])
		s.cursorY = len(s.cells) - 1
		s.viewportY++
	}
}

func (s *Screen) reverseLineFeed() {
	if s.cursorY > 0 {
		s.cursorY--
	}
}

func (s *Screen) processEscape(b byte) {
	s.state = stateNormal

	switch b {
	case '[':
		s.state = stateCSI
		s.params = s.params[:0]
		s.hasArg = false
	case ']':
		s.state = stateOSC
	case 'P':
		s.state = stateDCS
	case 'D':
		s.lineFeed()
	case 'M':
		s.reverseLineFeed()
	case 'E':
		s.cursorX = 0
		s.lineFeed()
	case '7':
		s.savedX, s.savedY = s.cursorX, s.cursorY
	case '8':
		s.cursorX, s.cursorY = s.savedX, s.savedY
		s.clampCursor()
	case 'c':
		s.resetScreen()
	}
}

func (s *Screen) processCSI(b byte) {
	switch {
	case b >= '0' && b <= '9':
		if !s.hasArg {
			s.params = append(s.params, 0)
			s.hasArg = true
		}
		last := len(s.params) - 1
		s.params[last] = s.params[last]*10 + int(b-'0')
	case b == ';':
		s.params = append(s.params, 0)
		s.hasArg = false
	case b == '?' || (b >= 0x3C && b <= 0x3F):
		// private-mode prefix bytes; this implementation doesn't model
		// DEC private modes, consume and continue
	case b >= 0x40 && b <= 0x7E:
		s.executeCSI(b)
		s.state = stateNormal
	}
}

func (s *Screen) param(i, def int) int {
	if i < len(s.params) && s.params[i] > 0 {
		return s.params[i]
	}
	return def
}

func (s *Screen) executeCSI(final byte) {
	switch final {
	case 'A': // CUU
		s.moveCursor(0, -s.param(0, 1))
	case 'B': // CUD
		s.moveCursor(0, s.param(0, 1))
	case 'C': // CUF
		s.moveCursor(s.param(0, 1), 0)
	case 'D': // CUB
		s.moveCursor(-s.param(0, 1), 0)
	case 'H', 'f': // CUP
		row := s.param(0, 1) - 1
		col := s.param(1, 1) - 1
		s.cursorX, s.cursorY = col, row
		s.clampCursor()
	case 'J': // ED
		s.eraseDisplay(s.param(0, 0))
	case 'K': // EL
		s.eraseLine(s.param(0, 0))
	case 'm': // SGR
		s.applySGR()
	case 's':
		s.savedX, s.savedY = s.cursorX, s.cursorY
	case 'u':
		s.cursorX, s.cursorY = s.savedX, s.savedY
		s.clampCursor()
	}
}

func (s *Screen) moveCursor(dx, dy int) {
	s.cursorX += dx
	s.cursorY += dy
	s.clampCursor()
}

func (s *Screen) clampCursor() {
	if s.cursorX < 0 {
		s.cursorX = 0
	} else if s.cursorX >= s.cols {
		s.cursorX = s.cols - 1
	}
	if s.cursorY < 0 {
		s.cursorY = 0
	} else if s.cursorY >= len(s.cells) {
		s.cursorY = len(s.cells) - 1
	}
}

func (s *Screen) eraseDisplay(mode int) {
	switch mode {
	case 0:
		s.clearRange(s.cursorY, s.cursorX, s.cursorY, s.cols-1)
		for y := s.cursorY + 1; y < len(s.cells); y++ {
			s.clearRange(y, 0, y, s.cols-1)
		}
	case 1:
		for y := 0; y < s.cursorY; y++ {
			s.clearRange(y, 0, y, s.cols-1)
		}
		s.clearRange(s.cursorY, 0, s.cursorY, s.cursorX)
	case 2, 3:
		for y := 0; y < len(s.cells); y++ {
			s.clearRange(y, 0, y, s.cols-1)
		}
	}
}

func (s *Screen) eraseLine(mode int) {
	if s.cursorY < 0 || s.cursorY >= len(s.cells) {
		return
	}
	switch mode {
	case 0:
		s.clearRange(s.cursorY, s.cursorX, s.cursorY, s.cols-1)
	case 1:
		s.clearRange(s.cursorY, 0, s.cursorY, s.cursorX)
	case 2:
		s.clearRange(s.cursorY, 0, s.cursorY, s.cols-1)
	}
}

func (s *Screen) clearRange(y, xStart, y2, xEnd int) {
	if y < 0 || y >= len(s.cells) {
		return
	}
	for x := xStart; x <= xEnd && x < s.cols; x++ {
		if x < 0 {
			continue
		}
		s.cells[y][x] = Cell{Char: ' ', FgColor: -1, BgColor: -1, Width: 1}
	}
}

// applySGR walks s.params, handling 256-color (38;5;n / 48;5;n) and
// 24-bit RGB (38;2;r;g;b / 48;2;r;g;b) extended forms in addition to the
// classical 0-4/7/21-24/27/30-37/39/40-47/49/90-97/100-107 codes; other
// codes are ignored.
func (s *Screen) applySGR() {
	params := s.params
	if len(params) == 0 {
		params = []int{0}
	}

	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			s.curFg, s.curBg, s.curAttrs = -1, -1, 0
		case p == 1:
			s.curAttrs |= AttrBold
		case p == 2:
			s.curAttrs |= AttrDim
		case p == 3:
			s.curAttrs |= AttrItalic
		case p == 4:
			s.curAttrs |= AttrUnderline
		case p == 7:
			s.curAttrs |= AttrInverse
		case p == 21:
			s.curAttrs &^= AttrBold
		case p == 22:
			s.curAttrs &^= AttrDim
		case p == 23:
			s.curAttrs &^= AttrItalic
		case p == 24:
			s.curAttrs &^= AttrUnderline
		case p == 27:
			s.curAttrs &^= AttrInverse
		case p == 38:
			consumed, fg := s.parseExtendedColor(params[i:])
			if consumed > 0 {
				s.curFg = fg
				i += consumed - 1
			}
		case p == 48:
			consumed, bg := s.parseExtendedColor(params[i:])
			if consumed > 0 {
				s.curBg = bg
				i += consumed - 1
			}
		case p == 39:
			s.curFg = -1
		case p == 49:
			s.curBg = -1
		case p >= 30 && p <= 37:
			s.curFg = int32(p - 30)
		case p >= 40 && p <= 47:
			s.curBg = int32(p - 40)
		case p >= 90 && p <= 97:
			s.curFg = int32(p - 90 + 8)
		case p >= 100 && p <= 107:
			s.curBg = int32(p - 100 + 8)
		}
	}
}

// parseExtendedColor handles the `38;5;n` / `38;2;r;g;b` forms (and the
// 48-prefixed background equivalents), returning how many of params
// (starting at params[0]==38 or 48) were consumed.
func (s *Screen) parseExtendedColor(params []int) (consumed int, color int32) {
	if len(params) < 2 {
		return 0, -1
	}
	switch params[1] {
	case 5: // indexed 256-color
		if len(params) < 3 {
			return 0, -1
		}
		return 3, int32(params[2] & 0xFF)
	case 2: // 24-bit RGB
		if len(params) < 5 {
			return 0, -1
		}
		return 5, packRGB(uint8(params[2]), uint8(params[3]), uint8(params[4]))
	}
	return 0, -1
}

func (s *Screen) resetScreen() {
	s.cells = makeGrid(s.cols, s.rows)
	s.cursorX, s.cursorY = 0, 0
	s.savedX, s.savedY = 0, 0
	s.curFg, s.curBg, s.curAttrs = -1, -1, 0
}

func (s *Screen) processOSC(b byte) {
	if b == 0x07 || b == 0x9C {
		s.state = stateNormal
	} else if b == 0x1B {
		s.state = stateEscape
	}
}

func (s *Screen) processDCS(b byte) {
	if b == 0x9C {
		s.state = stateNormal
	} else if b == 0x1B {
		s.state = stateEscape
	}
}

// runeWidth classifies a rune as occupying 1 or 2 terminal columns. This
// is a pragmatic East-Asian-width approximation (CJK ideographs, Hangul,
// fullwidth forms), not a full Unicode grapheme-cluster algorithm —
// adequate for the snapshot encoder's width-2 cell convention per §4.1.
func runeWidth(r rune) int {
	switch {
	case r < 0x1100:
		return 1
	case r >= 0x1100 && r <= 0x115F, // Hangul Jamo
		r == 0x2329, r == 0x232A,
		r >= 0x2E80 && r <= 0xA4CF && r != 0x303F, // CJK, etc.
		r >= 0xAC00 && r <= 0xD7A3, // Hangul syllables
		r >= 0xF900 && r <= 0xFAFF, // CJK compatibility ideographs
		r >= 0xFF00 && r <= 0xFF60, // fullwidth forms
		r >= 0xFFE0 && r <= 0xFFE6,
		r >= 0x20000 && r <= 0x3FFFD:
		return 2
	default:
		return 1
	}
}
