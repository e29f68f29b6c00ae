package raw

import (
	"bytes"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

var utf16BOM = []byte{0xFE, 0xFF}

// DecodeTextString converts a PDF text string to UTF-8. Strings starting
// with the UTF-16BE byte order mark are decoded as UTF-16; everything else is
// treated as PDFDocEncoding, approximated by Latin-1.
func DecodeTextString(b []byte) string {
	if bytes.HasPrefix(b, utf16BOM) {
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(b)
		if err == nil {
			return string(out)
		}
	}
	if isASCII(b) {
		return string(b)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// EncodeTextString converts UTF-8 text to a PDF text string. ASCII stays
// as-is; anything else is NFC-normalized and written as UTF-16BE with BOM.
func EncodeTextString(s string) []byte {
	if isASCII([]byte(s)) {
		return []byte(s)
	}
	enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
	out, err := enc.Bytes([]byte(norm.NFC.String(s)))
	if err != nil {
		return []byte(s)
	}
	return out
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}
