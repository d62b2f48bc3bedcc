package gts

// GTS abbreviated heading, e.g. "IOPX01 KWBC 161814" or with a BBB
// indicator appended: "IOPX01 KWBC 161814 RRA".
//
//	TTAAii CCCC YYGGgg [BBB]
//	0....5 7..10 12...17 19.21
//
// TT/AA identify data type and area, ii the bulletin number, CCCC the
// originating centre, YYGGgg day-of-month/hour/minute.

// IsAbbreviatedHeader reports whether s looks like a GTS abbreviated heading.
// This is a best-effort check: lines that fail it are still carried forward
// as the current header rather than rejected outright.
func IsAbbreviatedHeader(s string) bool {
	n := len(s)
	if n != 18 && n != 22 {
		return false
	}
	if s[6] != ' ' || s[11] != ' ' {
		return false
	}
	if !isUpperRun(s[0:4]) || !isUpperRun(s[7:11]) {
		return false
	}
	if !isDigitRun(s[4:6]) || !isDigitRun(s[12:18]) {
		return false
	}
	day := digits2(s[12:14])
	hour := digits2(s[14:16])
	minute := digits2(s[16:18])
	if day < 1 || day > 31 || hour > 23 || minute > 59 {
		return false
	}
	if n == 22 {
		if s[18] != ' ' || !isUpperRun(s[19:22]) {
			return false
		}
	}
	return true
}

// BBBIndicator returns the BBB field of a 22-character heading ("RRA", "CCA",
// "AAB", ...) or "" when absent.
func BBBIndicator(header string) string {
	if len(header) == 22 {
		return header[19:22]
	}
	return ""
}

func isUpperRun(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return len(s) > 0
}

func isDigitRun(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func digits2(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}
