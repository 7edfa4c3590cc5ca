package models

import "time"

// QueryKind distinguishes the two upstream query shapes the gateway serves.
type QueryKind string

const (
	KindCurrent  QueryKind = "current"
	KindForecast QueryKind = "forecast"
)

// ForecastDay is one day of a forecast, normalized from whatever row or
// columnar shape the provider returned.
type ForecastDay struct {
	Date            string  `json:"date"`
	MaxTemp         float64 `json:"maxTemp"`
	MinTemp         float64 `json:"minTemp"`
	Conditions      string  `json:"conditions"`
	PrecipitationMM float64 `json:"precipitationMm"`
}

// Record is the canonical weather record. Every upstream payload shape maps
// into this one structure; nothing downstream of the normalizer sees provider
// field names. ForecastDays is empty for KindCurrent.
type Record struct {
	City            string        `json:"city"`
	Country         string        `json:"country,omitempty"`
	QueryKind       QueryKind     `json:"queryKind"`
	Temperature     float64       `json:"temperature"`
	Unit            string        `json:"unit"`
	Conditions      string        `json:"conditions"`
	Humidity        int           `json:"humidity,omitempty"`
	WindSpeed       float64       `json:"windSpeed,omitempty"`
	ForecastDays    []ForecastDay `json:"forecastDays,omitempty"`
	SourceTimestamp string        `json:"sourceTimestamp"`
	FetchedAt       time.Time     `json:"fetchedAt"`
	Cached          bool          `json:"cached"`
}
