// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон, разбор точек "HH:MM" и суточных окон "HH:MM-HH:MM".
package timeutil

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseLocation разбирает либо IANA‑таймзону (например, "Asia/Shanghai"),
// либо UTC‑смещение (например, "+08:00", "-0700", "UTC+8", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	if loc, ok := ParseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "GMT-04:30" или "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func ParseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	// Допустимые формы: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	const (
		secInHour = 60 * 60
		secInMin  = 60
	)
	offset := sign * ((hours * secInHour) + (mins * secInMin))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

// ClockPoint — точка внутри суток с минутной гранулярностью.
type ClockPoint struct {
	Hour   int
	Minute int
}

// MinuteOfDay возвращает порядковый номер минуты точки в сутках (0..1439).
func (p ClockPoint) MinuteOfDay() int {
	return p.Hour*60 + p.Minute
}

// String форматирует точку обратно в "HH:MM".
func (p ClockPoint) String() string {
	return fmt.Sprintf("%02d:%02d", p.Hour, p.Minute)
}

// ParseClockPoint разбирает строку "HH:MM" (также допускается "H:MM")
// и валидирует диапазоны часов и минут.
func ParseClockPoint(value string) (ClockPoint, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return ClockPoint{}, fmt.Errorf("invalid time %q: expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return ClockPoint{}, fmt.Errorf("invalid hour in %q: %w", value, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return ClockPoint{}, fmt.Errorf("invalid minute in %q: %w", value, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockPoint{}, fmt.Errorf("time %q out of range", value)
	}
	return ClockPoint{Hour: hour, Minute: minute}, nil
}

// DayWindow — интервал внутри суток [Start, End] включительно с обеих сторон.
// Окно через полночь (Start > End) трактуется как два отрезка:
// [Start, 23:59] ∪ [00:00, End].
type DayWindow struct {
	Start ClockPoint
	End   ClockPoint
}

// ParseDayWindow разбирает окно вида "HH:MM-HH:MM".
func ParseDayWindow(value string) (DayWindow, error) {
	parts := strings.SplitN(strings.TrimSpace(value), "-", 2)
	if len(parts) != 2 {
		return DayWindow{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", value)
	}
	start, err := ParseClockPoint(parts[0])
	if err != nil {
		return DayWindow{}, err
	}
	end, err := ParseClockPoint(parts[1])
	if err != nil {
		return DayWindow{}, err
	}
	return DayWindow{Start: start, End: end}, nil
}

// Contains проверяет, попадает ли момент t (его часы и минуты) в окно.
func (w DayWindow) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	start := w.Start.MinuteOfDay()
	end := w.End.MinuteOfDay()
	if start <= end {
		return minute >= start && minute <= end
	}
	// Окно через полночь.
	return minute >= start || minute <= end
}

// String форматирует окно обратно в "HH:MM-HH:MM".
func (w DayWindow) String() string {
	return w.Start.String() + "-" + w.End.String()
}
