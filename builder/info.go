package builder

import (
	"fmt"
	"time"

	"github.com/wudi/pdfcombine/ir/raw"
)

// Info is the document information dictionary of the output.
type Info struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
	Creator  string
	Producer string
}

func (i Info) dict(now func() time.Time) *raw.DictObj {
	d := raw.Dict()
	for _, e := range []struct{ key, val string }{
		{"Title", i.Title},
		{"Author", i.Author},
		{"Subject", i.Subject},
		{"Keywords", i.Keywords},
		{"Creator", i.Creator},
		{"Producer", i.Producer},
	} {
		if e.val != "" {
			d.Set(e.key, raw.Str(raw.EncodeTextString(e.val)))
		}
	}
	if now != nil {
		date := raw.Str([]byte(FormatDate(now())))
		d.Set("CreationDate", date)
		d.Set("ModDate", date)
	}
	return d
}

func (i Info) metadata() raw.DocumentMetadata {
	return raw.DocumentMetadata{
		Title:    i.Title,
		Author:   i.Author,
		Subject:  i.Subject,
		Keywords: i.Keywords,
		Creator:  i.Creator,
		Producer: i.Producer,
	}
}

// FormatDate renders t as a PDF date string, e.g. D:20240102150405+01'00'.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	if offset == 0 {
		return "D:" + t.Format("20060102150405") + "Z"
	}
	return fmt.Sprintf("D:%s%c%02d'%02d'", t.Format("20060102150405"), sign, offset/3600, (offset%3600)/60)
}
