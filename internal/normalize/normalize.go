// Package normalize maps arbitrary upstream payload shapes into the
// canonical weather record. Providers rename fields across versions
// ("temp" vs "temperature_c", row-form vs columnar forecasts); every such
// alias is enumerated here and nowhere else, so the rest of the system is
// provider-agnostic. Required fields are validated independently: a payload
// missing any of them, or carrying the wrong shape, fails with ErrFormat
// rather than producing a partially populated record.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-gateway/internal/models"
)

// ErrFormat means the upstream responded but the payload failed validation.
var ErrFormat = errors.New("upstream format error")

// Field aliases, one table per logical field. Order is precedence.
var (
	temperatureAliases = []string{"temperature_2m", "temperature", "temp", "temperature_c", "temp_c"}
	conditionsAliases  = []string{"conditions", "condition", "description", "weather"}
	weatherCodeAliases = []string{"weather_code", "weathercode"}
	timestampAliases   = []string{"time", "timestamp", "observation_time"}
	humidityAliases    = []string{"relative_humidity_2m", "humidity"}
	windAliases        = []string{"wind_speed_10m", "wind_speed", "windspeed", "windSpeed"}
	forecastAliases    = []string{"forecast", "forecastDays", "days"}
	dateAliases        = []string{"time", "date"}
	maxTempAliases     = []string{"temperature_2m_max", "max_temp", "maxTemp", "temp_max"}
	minTempAliases     = []string{"temperature_2m_min", "min_temp", "minTemp", "temp_min"}
	precipAliases      = []string{"precipitation_sum", "precipitation_mm", "precipitationMm"}
)

// Normalize maps a raw upstream document into a Record for the given query
// kind. city and country come from the geocoding step and override anything
// the weather document says about the place.
func Normalize(body []byte, city, country string, kind models.QueryKind) (models.Record, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.Record{}, fmt.Errorf("%w: not a JSON object: %v", ErrFormat, err)
	}

	rec := models.Record{
		City:      city,
		Country:   country,
		QueryKind: kind,
		Unit:      "Celsius",
		FetchedAt: time.Now(),
	}

	var err error
	if kind == models.KindForecast {
		err = normalizeForecast(doc, &rec)
	} else {
		err = normalizeCurrent(doc, &rec)
	}
	if err != nil {
		return models.Record{}, err
	}
	return rec, nil
}

// normalizeCurrent fills the current-weather fields. The observation object
// may be nested under "current" (Open-Meteo) or be the document itself.
func normalizeCurrent(doc map[string]interface{}, rec *models.Record) error {
	obs := doc
	if nested, ok := doc["current"].(map[string]interface{}); ok {
		obs = nested
	}

	temp, ok := firstNumber(obs, temperatureAliases)
	if !ok {
		return fmt.Errorf("%w: missing or non-numeric temperature", ErrFormat)
	}
	rec.Temperature = temp

	conditions, ok := resolveConditions(obs)
	if !ok {
		return fmt.Errorf("%w: missing conditions", ErrFormat)
	}
	rec.Conditions = conditions

	ts, ok := firstString(obs, timestampAliases)
	if !ok {
		// Some providers put the observation time at the top level.
		ts, ok = firstString(doc, timestampAliases)
	}
	if !ok {
		return fmt.Errorf("%w: missing observation timestamp", ErrFormat)
	}
	rec.SourceTimestamp = ts

	if h, ok := firstNumber(obs, humidityAliases); ok {
		rec.Humidity = int(h)
	}
	if w, ok := firstNumber(obs, windAliases); ok {
		rec.WindSpeed = w
	}
	return nil
}

// normalizeForecast fills the forecast fields from either a columnar "daily"
// block (parallel arrays, Open-Meteo) or a row-form list of day objects.
func normalizeForecast(doc map[string]interface{}, rec *models.Record) error {
	var days []models.ForecastDay
	var err error

	if daily, ok := doc["daily"].(map[string]interface{}); ok {
		days, err = transposeDaily(daily)
	} else if rows, ok := firstArray(doc, forecastAliases); ok {
		days, err = collectRows(rows)
	} else {
		return fmt.Errorf("%w: missing forecast list", ErrFormat)
	}
	if err != nil {
		return err
	}
	if len(days) == 0 {
		return fmt.Errorf("%w: empty forecast list", ErrFormat)
	}

	rec.ForecastDays = days
	// Headline fields mirror the first forecast day so the record shape is
	// identical across query kinds.
	rec.Temperature = days[0].MaxTemp
	rec.Conditions = days[0].Conditions
	if ts, ok := firstString(doc, timestampAliases); ok {
		rec.SourceTimestamp = ts
	} else {
		rec.SourceTimestamp = days[0].Date
	}
	return nil
}

// transposeDaily converts Open-Meteo's parallel daily arrays into per-day rows.
func transposeDaily(daily map[string]interface{}) ([]models.ForecastDay, error) {
	dates, ok := stringArray(daily, dateAliases)
	if !ok {
		return nil, fmt.Errorf("%w: daily block missing time array", ErrFormat)
	}
	maxs, ok := numberArray(daily, maxTempAliases)
	if !ok || len(maxs) != len(dates) {
		return nil, fmt.Errorf("%w: daily block missing max temperature array", ErrFormat)
	}
	mins, ok := numberArray(daily, minTempAliases)
	if !ok || len(mins) != len(dates) {
		return nil, fmt.Errorf("%w: daily block missing min temperature array", ErrFormat)
	}
	codes, codesOK := numberArray(daily, weatherCodeAliases)
	precips, precipsOK := numberArray(daily, precipAliases)

	days := make([]models.ForecastDay, 0, len(dates))
	for i, date := range dates {
		day := models.ForecastDay{
			Date:       date,
			MaxTemp:    maxs[i],
			MinTemp:    mins[i],
			Conditions: "Unknown",
		}
		if codesOK && i < len(codes) {
			day.Conditions = WeatherCodeDescription(int(codes[i]))
		}
		if precipsOK && i < len(precips) {
			day.PrecipitationMM = precips[i]
		}
		days = append(days, day)
	}
	return days, nil
}

// collectRows converts a row-form forecast list into per-day rows.
func collectRows(rows []interface{}) ([]models.ForecastDay, error) {
	days := make([]models.ForecastDay, 0, len(rows))
	for i, raw := range rows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: forecast entry %d is not an object", ErrFormat, i)
		}
		date, ok := firstString(row, dateAliases)
		if !ok {
			return nil, fmt.Errorf("%w: forecast entry %d missing date", ErrFormat, i)
		}
		maxT, ok := firstNumber(row, maxTempAliases)
		if !ok {
			return nil, fmt.Errorf("%w: forecast entry %d missing max temperature", ErrFormat, i)
		}
		minT, ok := firstNumber(row, minTempAliases)
		if !ok {
			return nil, fmt.Errorf("%w: forecast entry %d missing min temperature", ErrFormat, i)
		}
		day := models.ForecastDay{
			Date:       date,
			MaxTemp:    maxT,
			MinTemp:    minT,
			Conditions: "Unknown",
		}
		if conditions, ok := resolveConditions(row); ok {
			day.Conditions = conditions
		}
		if p, ok := firstNumber(row, precipAliases); ok {
			day.PrecipitationMM = p
		}
		days = append(days, day)
	}
	return days, nil
}

// resolveConditions finds a textual condition, falling back to decoding a
// numeric WMO weather code.
func resolveConditions(obj map[string]interface{}) (string, bool) {
	if s, ok := firstString(obj, conditionsAliases); ok && s != "" {
		return s, true
	}
	if code, ok := firstNumber(obj, weatherCodeAliases); ok {
		return WeatherCodeDescription(int(code)), true
	}
	return "", false
}

func firstNumber(obj map[string]interface{}, aliases []string) (float64, bool) {
	for _, alias := range aliases {
		if v, ok := obj[alias]; ok {
			if n, ok := v.(float64); ok {
				return n, true
			}
			return 0, false // present but wrong shape
		}
	}
	return 0, false
}

func firstString(obj map[string]interface{}, aliases []string) (string, bool) {
	for _, alias := range aliases {
		if v, ok := obj[alias]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
			return "", false
		}
	}
	return "", false
}

func firstArray(obj map[string]interface{}, aliases []string) ([]interface{}, bool) {
	for _, alias := range aliases {
		if v, ok := obj[alias]; ok {
			if a, ok := v.([]interface{}); ok {
				return a, true
			}
			return nil, false
		}
	}
	return nil, false
}

func stringArray(obj map[string]interface{}, aliases []string) ([]string, bool) {
	raw, ok := firstArray(obj, aliases)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func numberArray(obj map[string]interface{}, aliases []string) ([]float64, bool) {
	raw, ok := firstArray(obj, aliases)
	if !ok {
		return nil, false
	}
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		n, ok := v.(float64)
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}
