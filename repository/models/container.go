package models

import "time"

// Container is a single sensor-monitored shelf within a station,
// holding units of one product type. ItemsCount tracks the latest
// sensor reading persisted by the broker; the hardware is the source
// of truth, so the column is overwritten on every progress tick.
type Container struct {
	ID                   int64      `gorm:"column:container_id;primaryKey;autoIncrement" json:"id"`
	Name                 string     `gorm:"column:name;type:varchar(100);not null" json:"name"`
	SerialPath           string     `gorm:"column:serial_path;type:varchar(100)" json:"serialPath"`
	CalibrationTimestamp *time.Time `gorm:"column:calibration_timestamp" json:"calibrationTimestamp"`
	ItemsCount           int64      `gorm:"column:items_count;default:0" json:"itemsCount"`

	StationHost   string       `gorm:"column:station_host;type:varchar(100);index" json:"-"`
	ProductTypeID int64        `gorm:"column:product_type_id;index" json:"-"`
	ProductType   *ProductType `gorm:"foreignKey:ProductTypeID" json:"productType"`
}
