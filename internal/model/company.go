package model

// Provider identifies a raw-data source (e.g., a market-data vendor).
type Provider struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Company is reference data consumed, never mutated, by the valuation core.
type Company struct {
	ID       string `json:"id"`
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
}
