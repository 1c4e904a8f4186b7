package markethours

import (
	"sync"
	"time"
)

// nseHolidays lists NSE trading holidays by year (month, day).
var nseHolidays = map[int][]struct {
	month time.Month
	day   int
}{
	2026: {
		{time.January, 26},  // Republic Day
		{time.February, 17}, // Mahashivratri (tentative)
		{time.March, 14},    // Holi
		{time.March, 31},    // Id-ul-Fitr (tentative)
		{time.April, 2},     // Ram Navami (tentative)
		{time.April, 6},     // Mahavir Jayanti
		{time.April, 10},    // Good Friday
		{time.April, 14},    // Dr. Ambedkar Jayanti
		{time.May, 1},       // Maharashtra Day
		{time.June, 7},      // Bakrid (tentative)
		{time.July, 6},      // Muharram (tentative)
		{time.August, 15},   // Independence Day
		{time.August, 16},   // Janmashtami (tentative)
		{time.September, 5}, // Milad-un-Nabi (tentative)
		{time.October, 2},   // Gandhi Jayanti
		{time.October, 20},  // Dussehra
		{time.October, 21},  // Dussehra (tentative)
		{time.November, 5},  // Diwali Lakshmi Puja (tentative)
		{time.November, 6},  // Diwali Balipratipada (tentative)
		{time.November, 7},  // Bhai Dooj (tentative)
		{time.November, 19}, // Guru Nanak Jayanti
		{time.December, 25}, // Christmas
	},
}

var (
	holidayMu  sync.RWMutex
	holidaySet = buildHolidaySet()
)

func buildHolidaySet() map[string]bool {
	set := make(map[string]bool)
	for year, days := range nseHolidays {
		for _, h := range days {
			set[time.Date(year, h.month, h.day, 0, 0, 0, 0, IST).Format(dateLayout)] = true
		}
	}
	return set
}

// AddHoliday marks an extra exchange holiday (e.g. from configuration).
func AddHoliday(d time.Time) {
	holidayMu.Lock()
	holidaySet[DateKey(d)] = true
	holidayMu.Unlock()
}

// IsHoliday returns true if the IST date of t is an NSE holiday.
func IsHoliday(t time.Time) bool {
	holidayMu.RLock()
	defer holidayMu.RUnlock()
	return holidaySet[DateKey(t)]
}
