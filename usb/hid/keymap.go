// USB HID class driver
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hid

// Keyboard usage IDs (p53, Table 12, HID Usage Tables 1.12)
const (
	UsageA     = 0x04
	UsageZ     = 0x1d
	Usage1     = 0x1e
	Usage0     = 0x27
	UsageEnter = 0x28
	UsageTab   = 0x2b
	UsageSpace = 0x2c
)

// shiftedDigits maps usages 0x1e-0x27 (1...9, 0) under shift.
var shiftedDigits = [10]byte{'!', '@', '#', '$', '%', '^', '&', '*', '(', ')'}

// punctuation maps usages 0x2d-0x38 to their plain and shifted
// characters.
var punctuation = map[uint8][2]byte{
	0x2d: {'-', '_'},
	0x2e: {'=', '+'},
	0x2f: {'[', '{'},
	0x30: {']', '}'},
	0x31: {'\\', '|'},
	0x33: {';', ':'},
	0x34: {'\'', '"'},
	0x35: {'`', '~'},
	0x36: {',', '<'},
	0x37: {'.', '>'},
	0x38: {'/', '?'},
}

// keyChar maps a boot keyboard usage to its ASCII character, honoring
// the shift modifier. Unmappable usages (modifiers, function and
// navigation keys) report false.
func keyChar(code uint8, shift bool) (byte, bool) {
	switch {
	case code >= UsageA && code <= UsageZ:
		ch := byte('a' + code - UsageA)

		if shift {
			ch = ch - 'a' + 'A'
		}

		return ch, true
	case code >= Usage1 && code <= Usage0:
		if shift {
			return shiftedDigits[code-Usage1], true
		}

		if code == Usage0 {
			return '0', true
		}

		return byte('1' + code - Usage1), true
	case code == UsageEnter:
		return '\n', true
	case code == UsageTab:
		return '\t', true
	case code == UsageSpace:
		return ' ', true
	}

	if chars, ok := punctuation[code]; ok {
		if shift {
			return chars[1], true
		}

		return chars[0], true
	}

	return 0, false
}
