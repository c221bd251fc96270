package market_hours

import "time"

// CalculateEaster calculates Western (Gregorian) Easter Sunday for a year
func CalculateEaster(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451

	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// findNthWeekday finds the nth occurrence of a weekday in a given month/year
func findNthWeekday(year, month int, weekday time.Weekday, n int) time.Time {
	date := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	daysToAdd := int(weekday - date.Weekday())
	if daysToAdd < 0 {
		daysToAdd += 7
	}
	return date.AddDate(0, 0, daysToAdd+(n-1)*7)
}

// findLastWeekday finds the last occurrence of a weekday in a given month/year
func findLastWeekday(year, month int, weekday time.Weekday) time.Time {
	date := time.Date(year, time.Month(month+1), 0, 0, 0, 0, 0, time.UTC)
	daysToSubtract := int(date.Weekday() - weekday)
	if daysToSubtract < 0 {
		daysToSubtract += 7
	}
	return date.AddDate(0, 0, -daysToSubtract)
}

// observeOnWeekday moves a weekend date to Friday (Saturday) or Monday (Sunday)
func observeOnWeekday(date time.Time) time.Time {
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, -1)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	}
	return date
}

// holidaysForYear expands the rule set into date keys (YYYY-MM-DD)
func holidaysForYear(rules HolidayRuleSet, year int) map[string]bool {
	days := make(map[string]bool)

	for _, h := range rules.FixedDateHolidays {
		date := time.Date(year, time.Month(h.Month), h.Day, 0, 0, 0, 0, time.UTC)
		if h.ObserveOnWeekday {
			date = observeOnWeekday(date)
		}
		days[date.Format("2006-01-02")] = true
	}

	for _, h := range rules.RuleBasedHolidays {
		var date time.Time
		if h.N == -1 {
			date = findLastWeekday(year, h.Month, h.Weekday)
		} else {
			date = findNthWeekday(year, h.Month, h.Weekday, h.N)
		}
		days[date.Format("2006-01-02")] = true
	}

	easter := CalculateEaster(year)
	for _, offset := range rules.EasterOffsets {
		days[easter.AddDate(0, 0, offset).Format("2006-01-02")] = true
	}

	return days
}
