package models

// ProductType describes the goods a container holds: the nominal unit
// weight drives the station's per-item sensor detection, and the
// margin absorbs scale noise. Immutable from the broker's point of
// view.
type ProductType struct {
	ID            int64   `gorm:"column:product_type_id;primaryKey;autoIncrement" json:"id"`
	Name          string  `gorm:"column:name;type:varchar(100);not null" json:"name"`
	TypicalWeight float64 `gorm:"column:typical_weight;not null" json:"typicalWeight"`
	ErrorMargin   float64 `gorm:"column:error_margin;not null" json:"errorMargin"`
}
