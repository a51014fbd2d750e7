package market

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LoadCandlesCSV loads OHLCV data from CSV file
func LoadCandlesCSV(filename string, loc *time.Location) ([]Candle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return DecodeCandlesCSV(file, loc)
}

// DecodeCandlesCSV parses rows of timestamp,open,high,low,close[,volume].
// The timestamp column may hold epoch milliseconds or a datetime string read
// in loc. UTF-16 exports (BOM-prefixed) are transcoded. Malformed rows are
// skipped; the result is sorted and deduplicated by timestamp (last row wins).
func DecodeCandlesCSV(in io.Reader, loc *time.Location) ([]Candle, error) {
	br := bufio.NewReader(in)
	// detect UTF-16 BOM; if present, decode to UTF-8
	if b, _ := br.Peek(2); len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		tr := transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
		br = bufio.NewReader(tr)
	}

	r := csv.NewReader(br)
	r.ReuseRecord = false
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	candles := make([]Candle, 0, 1_000)
	skipped := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(rec) < 5 {
			skipped++
			continue
		}

		tsStr := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if strings.EqualFold(tsStr, "timestamp") || strings.EqualFold(tsStr, "timestamp_ms") || strings.EqualFold(tsStr, "time") {
			continue
		}
		ts, err := parseCandleTime(tsStr, loc)
		if err != nil {
			skipped++
			continue
		}

		var ohlc [4]float64
		ok := true
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(rec[i+1], `"`)), 64)
			if err != nil {
				ok = false
				break
			}
			ohlc[i] = v
		}
		if !ok {
			skipped++
			continue
		}
		var volume int64
		if len(rec) >= 6 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(rec[5]), 64); err == nil {
				volume = int64(v)
			}
		}

		c := Candle{Time: ts, Open: ohlc[0], High: ohlc[1], Low: ohlc[2], Close: ohlc[3], Volume: volume}
		if err := ValidateCandle(c); err != nil {
			skipped++
			continue
		}
		candles = append(candles, c)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles parsed (%d rows skipped)", skipped)
	}
	return SortCandles(candles), nil
}

func parseCandleTime(s string, loc *time.Location) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).In(loc), nil
	}
	return ParseTimestamp(s, loc)
}

// SortCandles orders candles by time and drops duplicated timestamps,
// keeping the last occurrence.
func SortCandles(candles []Candle) []Candle {
	if len(candles) < 2 {
		return candles
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	uniq := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if n := len(uniq); n > 0 && uniq[n-1].Time.Equal(c.Time) {
			uniq[n-1] = c
			continue
		}
		uniq = append(uniq, c)
	}
	return uniq
}

// ValidateCandle checks price positivity and OHLC consistency.
func ValidateCandle(c Candle) error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("non-positive price at %s", c.Time.Format(time.RFC3339))
	}
	if c.High < c.Low || c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("inconsistent OHLC at %s", c.Time.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("negative volume at %s", c.Time.Format(time.RFC3339))
	}
	return nil
}

// WriteCandlesCSV writes candles with epoch-millisecond timestamps.
func WriteCandlesCSV(out io.Writer, candles []Candle) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"timestamp_ms", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, c := range candles {
		rec := []string{
			strconv.FormatInt(c.Time.UnixMilli(), 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatInt(c.Volume, 10),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
