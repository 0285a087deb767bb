package models

// Station is a physical, network-attached storage unit with one or
// more sensor-instrumented containers behind a lock. The host string
// is its identity on the station channel.
type Station struct {
	Host        string `gorm:"column:host;primaryKey;type:varchar(100)" json:"host"`
	Name        string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Secret      string `gorm:"column:secret;type:varchar(100);not null" json:"-" cbor:"-"`
	IsConnected bool   `gorm:"column:is_connected;default:false" json:"isConnected"`

	// Relationships
	Containers []Container `gorm:"foreignKey:StationHost" json:"containers"`
}
