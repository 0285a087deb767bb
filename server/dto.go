package server

import (
	"time"

	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
)

// StationSummary is the listStations row: just enough for the client
// to render the station picker. The shared secret never leaves the
// repository layer.
type StationSummary struct {
	Name            string `cbor:"name" json:"name"`
	Host            string `cbor:"host" json:"host"`
	IsConnected     bool   `cbor:"is_connected" json:"isConnected"`
	ContainersCount int    `cbor:"containers_count" json:"containersCount"`
}

// ContainerDTO is the client-facing container view.
type ContainerDTO struct {
	ID                   int64      `cbor:"id" json:"id"`
	Name                 string     `cbor:"name" json:"name"`
	SerialPath           string     `cbor:"serial_path" json:"serialPath"`
	CalibrationTimestamp *time.Time `cbor:"calibration_timestamp" json:"calibrationTimestamp"`
	ItemsCount           int64      `cbor:"items_count" json:"itemsCount"`

	ProductType *ProductTypeDTO `cbor:"product_type" json:"productType"`
}

// ProductTypeDTO mirrors models.ProductType on the wire.
type ProductTypeDTO struct {
	ID            int64   `cbor:"id" json:"id"`
	Name          string  `cbor:"name" json:"name"`
	TypicalWeight float64 `cbor:"typical_weight" json:"typicalWeight"`
	ErrorMargin   float64 `cbor:"error_margin" json:"errorMargin"`
}

// StationDetails is the listContainersInStation reply.
type StationDetails struct {
	Name        string         `cbor:"name" json:"name"`
	Host        string         `cbor:"host" json:"host"`
	IsConnected bool           `cbor:"is_connected" json:"isConnected"`
	Containers  []ContainerDTO `cbor:"containers" json:"containers"`
}

// ContainerUnit is one row of the initUnits push a freshly
// authenticated station receives: the configuration its serial-port
// controller needs to drive each shelf.
type ContainerUnit struct {
	ID          int64   `cbor:"id" json:"id"`
	Name        string  `cbor:"name" json:"name"`
	Weight      float64 `cbor:"weight" json:"weight"`
	ErrorMargin float64 `cbor:"error_margin" json:"errorMargin"`
	SerialPath  string  `cbor:"serial_path" json:"serialPath"`
}

// AuthReply answers the operator auth request.
type AuthReply struct {
	Success bool   `cbor:"success" json:"success"`
	ID      int64  `cbor:"id,omitempty" json:"id,omitempty"`
	Name    string `cbor:"name,omitempty" json:"name,omitempty"`
}

// CalibrationStatus values for the calibrateContainer ack.
const (
	CalibrationOK      = "ok"
	CalibrationFailed  = "failed"
	CalibrationOffline = "offline"
	CalibrationDenied  = "denied"
)

// CalibrationReply answers calibrateContainer with a tagged status so
// "station offline" is never conflated with "hardware failed".
type CalibrationReply struct {
	Status string `cbor:"status" json:"status"`
}

func summarizeStation(s *models.Station) StationSummary {
	return StationSummary{
		Name:            s.Name,
		Host:            s.Host,
		IsConnected:     s.IsConnected,
		ContainersCount: len(s.Containers),
	}
}

func stationDetails(s *models.Station) StationDetails {
	details := StationDetails{
		Name:        s.Name,
		Host:        s.Host,
		IsConnected: s.IsConnected,
		Containers:  make([]ContainerDTO, 0, len(s.Containers)),
	}
	for i := range s.Containers {
		details.Containers = append(details.Containers, containerDTO(&s.Containers[i]))
	}
	return details
}

func containerDTO(c *models.Container) ContainerDTO {
	dto := ContainerDTO{
		ID:                   c.ID,
		Name:                 c.Name,
		SerialPath:           c.SerialPath,
		CalibrationTimestamp: c.CalibrationTimestamp,
		ItemsCount:           c.ItemsCount,
	}
	if c.ProductType != nil {
		dto.ProductType = &ProductTypeDTO{
			ID:            c.ProductType.ID,
			Name:          c.ProductType.Name,
			TypicalWeight: c.ProductType.TypicalWeight,
			ErrorMargin:   c.ProductType.ErrorMargin,
		}
	}
	return dto
}

func containerUnits(s *models.Station) []ContainerUnit {
	units := make([]ContainerUnit, 0, len(s.Containers))
	for i := range s.Containers {
		c := &s.Containers[i]
		unit := ContainerUnit{
			ID:         c.ID,
			Name:       c.Name,
			SerialPath: c.SerialPath,
		}
		if c.ProductType != nil {
			unit.Weight = c.ProductType.TypicalWeight
			unit.ErrorMargin = c.ProductType.ErrorMargin
		}
		units = append(units, unit)
	}
	return units
}
