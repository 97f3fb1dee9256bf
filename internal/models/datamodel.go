package models

// Control-plane responses for the data model, fetched by id one level at a time.

// DataModelInfo is the top level of a data model: its name and ordered dataframe ids.
type DataModelInfo struct {
	ID         string   `json:"_id"`
	Name       string   `json:"name"`
	Dataframes []string `json:"data_model_dataframes"`
}

// DataModelDataframeInfo is one dataframe with its ordered series ids.
type DataModelDataframeInfo struct {
	ID     string   `json:"_id"`
	Name   string   `json:"name"`
	Series []string `json:"data_model_series"`
}

// SeriesSchema is the declared type and constraints of a series.
type SeriesSchema struct {
	Type       string   `json:"type"`
	ListValue  []string `json:"list_value,omitempty"`
	Unit       *string  `json:"unit,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Resolution *float64 `json:"resolution,omitempty"`
}

// DataModelSeriesInfo is one series of a dataframe.
type DataModelSeriesInfo struct {
	ID           string       `json:"_id"`
	Name         string       `json:"name"`
	SeriesSchema SeriesSchema `json:"series_schema"`
}

// The packaged schema tree written to data_model.json. Optional fields absent
// in the source are omitted, never defaulted.

// DataModel is the root of the packaged schema tree.
type DataModel struct {
	Type            string               `json:"type"`
	DataModelID     string               `json:"tabular_dataset_data_model_id"`
	DataFrameModels []DataFrameDataModel `json:"list_data_frame_data_model"`
}

// DataFrameDataModel describes one dataframe and its ordered series.
type DataFrameDataModel struct {
	Type         string            `json:"type"`
	Name         string            `json:"data_frame_name"`
	DataFrameID  string            `json:"data_frame_data_model_id"`
	SeriesModels []SeriesDataModel `json:"list_series_data_model"`
}

// SeriesDataModel describes one series.
type SeriesDataModel struct {
	Type       string   `json:"type"`
	Name       string   `json:"series_name"`
	SeriesID   string   `json:"series_data_model_id"`
	ListValue  []string `json:"list_value,omitempty"`
	Unit       *string  `json:"unit,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	Resolution *float64 `json:"resolution,omitempty"`
}

// NewSeriesDataModel copies a fetched series into the packaged form.
func NewSeriesDataModel(s DataModelSeriesInfo) SeriesDataModel {
	return SeriesDataModel{
		Type:       s.SeriesSchema.Type,
		Name:       s.Name,
		SeriesID:   s.ID,
		ListValue:  s.SeriesSchema.ListValue,
		Unit:       s.SeriesSchema.Unit,
		Min:        s.SeriesSchema.Min,
		Max:        s.SeriesSchema.Max,
		Resolution: s.SeriesSchema.Resolution,
	}
}

// SeriesCount returns the number of series across all dataframes.
func (m DataModel) SeriesCount() int {
	n := 0
	for _, df := range m.DataFrameModels {
		n += len(df.SeriesModels)
	}
	return n
}
