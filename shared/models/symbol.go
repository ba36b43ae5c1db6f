package models

// SymbolInfo describes a resolved instrument for the charting widget
type SymbolInfo struct {
	Name                 string   `json:"name" yaml:"name"`
	Ticker               string   `json:"ticker" yaml:"ticker"`
	FullName             string   `json:"full_name" yaml:"full_name"`
	Description          string   `json:"description" yaml:"description"`
	Type                 string   `json:"type" yaml:"type"`
	Session              string   `json:"session" yaml:"session"`
	Timezone             string   `json:"timezone" yaml:"timezone"`
	Exchange             string   `json:"exchange" yaml:"exchange"`
	ListedExchange       string   `json:"listed_exchange" yaml:"listed_exchange"`
	MinMov               int      `json:"minmov" yaml:"minmov"`
	PriceScale           int      `json:"pricescale" yaml:"pricescale"`
	HasIntraday          bool     `json:"has_intraday" yaml:"has_intraday"`
	HasDaily             bool     `json:"has_daily" yaml:"has_daily"`
	HasWeeklyAndMonthly  bool     `json:"has_weekly_and_monthly" yaml:"has_weekly_and_monthly"`
	SupportedResolutions []string `json:"supported_resolutions" yaml:"supported_resolutions"`
	VolumePrecision      int      `json:"volume_precision" yaml:"volume_precision"`
	DataStatus           string   `json:"data_status" yaml:"data_status"`
	LogoURLs             []string `json:"logo_urls,omitempty" yaml:"logo_urls,omitempty"`

	// Channel coordinates, not part of the widget payload
	Base  string `json:"-" yaml:"-"`
	Quote string `json:"-" yaml:"-"`
}

// Channel returns the realtime channel backing this symbol
func (s SymbolInfo) Channel() ChannelKey {
	return ChannelKey{Exchange: s.Exchange, FromSymbol: s.Base, ToSymbol: s.Quote}
}

// SearchResult is one entry of a symbol search
type SearchResult struct {
	Symbol      string   `json:"symbol"`
	FullName    string   `json:"full_name"`
	Description string   `json:"description"`
	Exchange    string   `json:"exchange"`
	Ticker      string   `json:"ticker"`
	Type        string   `json:"type"`
	LogoURLs    []string `json:"logo_urls,omitempty"`
}

// ExchangeDescriptor is an exchange filter entry offered by the widget
type ExchangeDescriptor struct {
	Value string `json:"value" yaml:"value"`
	Name  string `json:"name" yaml:"name"`
	Desc  string `json:"desc" yaml:"desc"`
}

// SymbolType is a symbol type filter entry offered by the widget
type SymbolType struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// DatafeedConfiguration is the payload returned by configure
type DatafeedConfiguration struct {
	SupportedResolutions   []string             `json:"supported_resolutions" yaml:"supported_resolutions"`
	Exchanges              []ExchangeDescriptor `json:"exchanges" yaml:"exchanges"`
	SymbolsTypes           []SymbolType         `json:"symbols_types" yaml:"symbols_types"`
	SupportsSearch         bool                 `json:"supports_search" yaml:"supports_search"`
	SupportsGroupRequest   bool                 `json:"supports_group_request" yaml:"supports_group_request"`
	SupportsTime           bool                 `json:"supports_time" yaml:"supports_time"`
	SupportsMarks          bool                 `json:"supports_marks" yaml:"supports_marks"`
	SupportsTimescaleMarks bool                 `json:"supports_timescale_marks" yaml:"supports_timescale_marks"`
}
