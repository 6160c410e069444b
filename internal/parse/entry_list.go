package parse

import (
	"crypto/md5" //nolint:gosec // used only as a stable shortening hash, not for security
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RawEntry is a single declared entry row from a track's entry list.
type RawEntry struct {
	ClassName   string
	CarNumber   *string
	DriverName  string
	Transponder *string
}

// EntryList parses an event's entry list, grouped into class blocks by a
// header row containing a `class_header` element. Driver id is not
// present in the source markup; SyntheticDriverID synthesizes the
// temporary source driver id the normalizer assigns.
func EntryList(html, sourceURL string) ([]RawEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, liverc.NewEventPageFormatError(sourceURL, "failed to parse entry list HTML: "+err.Error())
	}

	var out []RawEntry

	currentClass := ""

	doc.Find("table.entry-list tr").Each(func(_ int, row *goquery.Selection) {
		if header := row.Find(".class_header"); header.Length() > 0 {
			currentClass = strings.TrimSpace(header.Text())

			return
		}

		name := strings.TrimSpace(row.Find("td.driver-name").Text())
		if name == "" || currentClass == "" {
			return
		}

		entry := RawEntry{ClassName: currentClass, DriverName: name}

		if cn := strings.TrimSpace(row.Find("td.car-number").Text()); cn != "" {
			entry.CarNumber = &cn
		}

		if tr := strings.TrimSpace(row.Find("td.transponder").Text()); tr != "" {
			entry.Transponder = &tr
		}

		out = append(out, entry)
	})

	return out, nil
}

// SyntheticDriverID computes the temporary source_driver_id the
// normalizer assigns to an entry-list driver before a race result reveals
// the source's real id: entry_<md5(lower(strip(name)))[:16]>.
func SyntheticDriverID(driverName string) string {
	normalized := strings.ToLower(strings.TrimSpace(driverName))
	sum := md5.Sum([]byte(normalized)) //nolint:gosec

	return "entry_" + hex.EncodeToString(sum[:])[:16]
}
