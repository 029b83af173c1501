package model

// Stats is the payload of the statistics endpoint for one dataset.
type Stats struct {
	Stats  map[string]ColumnStats      `json:"stats"`
	Charts map[string][]map[string]any `json:"charts"`
}

// ColumnStats summarizes a single column. Numeric fields are only set for
// numeric columns and TopValues only for categorical ones.
type ColumnStats struct {
	Type        string       `json:"type"`
	NullCount   int          `json:"null_count"`
	UniqueCount int          `json:"unique_count"`
	Mean        *float64     `json:"mean,omitempty"`
	Min         *float64     `json:"min,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	Sum         *float64     `json:"sum,omitempty"`
	TopValues   []ValueCount `json:"top_values,omitempty"`
}

// ValueCount is one category and how often it occurs.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}
