package extract

import (
	"bytes"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// detectAndConvert detects the encoding of a plain-text filing and converts
// it to UTF-8, adapted from the teacher's Parser.detectAndConvert.
func detectAndConvert(data []byte) (string, string, error) {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return string(data[3:]), "UTF-8-BOM", nil
	}

	if len(data) >= 2 {
		if data[0] == 0xFF && data[1] == 0xFE {
			if content, err := decodeWithEncoding(data, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)); err == nil {
				return content, "UTF-16LE", nil
			}
		}
		if data[0] == 0xFE && data[1] == 0xFF {
			if content, err := decodeWithEncoding(data, unicode.UTF16(unicode.BigEndian, unicode.UseBOM)); err == nil {
				return content, "UTF-16BE", nil
			}
		}
	}

	if isValidUTF8(data) {
		return string(data), "UTF-8", nil
	}

	if content, err := decodeWithEncoding(data, charmap.Windows1251); err == nil {
		if looksLikeCyrillic(content) {
			return content, "Windows-1251", nil
		}
	}

	if content, err := decodeWithEncoding(data, charmap.Windows1252); err == nil {
		return content, "Windows-1252", nil
	}

	if content, err := decodeWithEncoding(data, charmap.ISO8859_1); err == nil {
		return content, "ISO-8859-1", nil
	}

	return string(data), "UTF-8-fallback", nil
}

func decodeWithEncoding(data []byte, enc encoding.Encoding) (string, error) {
	decoder := enc.NewDecoder()
	reader := transform.NewReader(bytes.NewReader(data), decoder)
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

func isValidUTF8(data []byte) bool {
	invalidCount := 0
	for i := 0; i < len(data); {
		r, size := decodeRune(data[i:])
		if r == 0xFFFD && size == 1 {
			invalidCount++
			if invalidCount > len(data)/20 {
				return false
			}
		}
		i += size
	}
	return true
}

func decodeRune(data []byte) (rune, int) {
	if len(data) == 0 {
		return 0xFFFD, 0
	}

	b := data[0]

	if b < 0x80 {
		return rune(b), 1
	}
	if b&0xE0 == 0xC0 && len(data) >= 2 {
		r := rune(b&0x1F)<<6 | rune(data[1]&0x3F)
		if r >= 0x80 {
			return r, 2
		}
	}
	if b&0xF0 == 0xE0 && len(data) >= 3 {
		r := rune(b&0x0F)<<12 | rune(data[1]&0x3F)<<6 | rune(data[2]&0x3F)
		if r >= 0x800 {
			return r, 3
		}
	}
	if b&0xF8 == 0xF0 && len(data) >= 4 {
		r := rune(b&0x07)<<18 | rune(data[1]&0x3F)<<12 | rune(data[2]&0x3F)<<6 | rune(data[3]&0x3F)
		if r >= 0x10000 && r <= 0x10FFFF {
			return r, 4
		}
	}

	return 0xFFFD, 1
}

func looksLikeCyrillic(text string) bool {
	cyrillicCount := 0
	totalLetters := 0

	for _, r := range text {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= 0x0400 && r <= 0x04FF) {
			totalLetters++
			if r >= 0x0400 && r <= 0x04FF {
				cyrillicCount++
			}
		}
	}

	return totalLetters > 10 && cyrillicCount > totalLetters/3
}
