package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/racedata/liverc-ingest/internal/liverc"
)

// RawResult is a single driver's scored row on a race result page.
type RawResult struct {
	SourceDriverID string
	DisplayName    string
	PositionFinal  int
	QualifyingPos  *int
	LapsCompleted  int
	TotalTimeRaw   string
	TotalTimeSecs  *float64
	SecondsBehind  *float64
	FastLapRaw     string
	AvgLapRaw      string
	Consistency    *float64
	Avg5, Avg10, Avg15 *float64
	Top3Consecutive *float64
	StdDev          *float64
}

var fastLapPrefix = regexp.MustCompile(`^[0-9.]+`)

// RaceResult parses a race result page's table into results in row
// order. The page's embedded racerLaps JS block supplies a driver-name ->
// source-driver-id map, used internally for rows lacking a
// data-driver-id attribute.
func RaceResult(html, sourceURL string) ([]RawResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, liverc.NewRacePageFormatError(sourceURL, "failed to parse race result HTML: "+err.Error())
	}

	table := doc.Find("table.race-results")
	if table.Length() == 0 {
		return nil, liverc.NewRacePageFormatError(sourceURL, "race results table not found")
	}

	// A present-but-empty table is a race with zero results, which is
	// permitted; only a missing table is a page-format error.
	rows := table.Find("tbody tr")

	nameToID := driverNameFallbackMap(html)

	out := make([]RawResult, 0, rows.Length())

	rows.Each(func(_ int, row *goquery.Selection) {
		res, ok := parseResultRow(row, nameToID)
		if !ok {
			return
		}

		out = append(out, res)
	})

	return out, nil
}

func driverNameFallbackMap(html string) map[string]string {
	out := map[string]string{}

	matches := racerLapsAssignment.FindAllStringSubmatchIndex(html, -1)
	for _, loc := range matches {
		driverID := html[loc[2]:loc[3]]

		openBrace := loc[5] - 1

		end, ok := sliceBalancedObject(html, openBrace)
		if !ok {
			continue
		}

		block, err := parseJSBlock(html[openBrace:end])
		if err != nil {
			continue
		}

		if block.DriverName != "" {
			out[strings.ToUpper(strings.TrimSpace(block.DriverName))] = driverID
		}
	}

	return out
}

func parseResultRow(row *goquery.Selection, nameToID map[string]string) (RawResult, bool) {
	posText := strings.TrimSpace(row.Find("td.position").Text())

	position, err := strconv.Atoi(posText)
	if err != nil {
		return RawResult{}, false
	}

	displayName := strings.TrimSpace(row.Find("td.driver-name").Text())

	driverID, _ := row.Attr("data-driver-id")
	if driverID == "" {
		driverID = nameToID[strings.ToUpper(displayName)]
	}

	lapsTotal := strings.TrimSpace(row.Find("td.laps-total").Text())
	laps, totalSecs := parseLapsTotalCell(lapsTotal)

	// The fast-lap cell carries a <sup> lap-number suffix; drop it before
	// taking the numeric prefix.
	fastCell := row.Find("td.fast-lap").Clone()
	fastCell.Find("sup").Remove()

	res := RawResult{
		SourceDriverID: driverID,
		DisplayName: displayName,
		PositionFinal: position,
		LapsCompleted: laps,
		TotalTimeRaw: lapsTotal,
		TotalTimeSecs: totalSecs,
		FastLapRaw: fastLapPrefix.FindString(strings.TrimSpace(fastCell.Text())),
		AvgLapRaw: strings.TrimSpace(row.Find("div.avg-lap-hidden").Text()),
	}

	if qp := strings.TrimSpace(row.Find("td.qualifying-position").Text()); qp != "" {
		if n, err := strconv.Atoi(qp); err == nil {
			res.QualifyingPos = &n
		}
	}

	if sb := strings.TrimSpace(row.Find("td.seconds-behind").Text()); sb != "" {
		if f, err := strconv.ParseFloat(sb, 64); err == nil {
			res.SecondsBehind = &f
		}
	}

	if c := strings.TrimSpace(row.Find("td.consistency").Text()); c != "" {
		c = strings.TrimSuffix(c, "%")
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			res.Consistency = &f
		}
	}

	res.Avg5 = floatPtrFromText(row.Find("td.avg-top-5").Text())
	res.Avg10 = floatPtrFromText(row.Find("td.avg-top-10").Text())
	res.Avg15 = floatPtrFromText(row.Find("td.avg-top-15").Text())
	res.Top3Consecutive = floatPtrFromText(row.Find("td.top-3-consecutive").Text())
	res.StdDev = floatPtrFromText(row.Find("td.std-dev").Text())

	return res, true
}

func floatPtrFromText(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}

	return &f
}

// parseLapsTotalCell reads the lap count from the combined
// "<laps>/<mm:ss.mmm>" cell (or a bare "<laps>" cell). The returned total
// seconds are always nil: the total time is parsed downstream from the
// raw cell. Malformed cells yield (0, nil) rather than an error.
func parseLapsTotalCell(raw string) (int, *float64) {
	idx := strings.Index(raw, "/")
	if idx < 0 {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, nil
		}

		return n, nil
	}

	lapsStr := strings.TrimSpace(raw[:idx])

	laps, err := strconv.Atoi(lapsStr)
	if err != nil {
		return 0, nil
	}

	return laps, nil // total seconds are parsed downstream from the raw cell
}
