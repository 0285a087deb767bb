package repository

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
)

// Repository implements Store on PostgreSQL.
type Repository struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

var _ Store = (*Repository)(nil)

// NewRepository creates an unconnected repository; call ConnectDB
// before use.
func NewRepository(log *zap.SugaredLogger) *Repository {
	return &Repository{log: log}
}

// ConnectDB opens the database, retrying for a while so the broker
// survives being started before its database container.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		db, err := gorm.Open(postgres.Open(dsn))
		if err == nil {
			r.db = db
			r.log.Infow("connected to postgres", "attempt", i+1)
			return nil
		}
		lastErr = err
		r.log.Warnw("database connection attempt failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	return wrapDBError(lastErr)
}

// Migrate creates or updates the schema for all broker models.
func (r *Repository) Migrate() error {
	err := r.db.AutoMigrate(
		&models.ProductType{},
		&models.Station{},
		&models.Container{},
		&models.User{},
	)
	if err != nil {
		return wrapDBError(err)
	}
	r.log.Infow("database migration completed")
	return nil
}

// Seed loads the demo fixtures: two product types, one station with
// two shelves, and two operators with RFID badges. Skipped when data
// already exists.
func (r *Repository) Seed() error {
	var stationCount int64
	if err := r.db.Model(&models.Station{}).Count(&stationCount).Error; err != nil {
		return wrapDBError(err)
	}
	if stationCount > 0 {
		r.log.Infow("seed data already exists, skipping")
		return nil
	}

	cameras := models.ProductType{Name: "Camera", TypicalWeight: 100, ErrorMargin: 10}
	relays := models.ProductType{Name: "DC Relay", TypicalWeight: 200, ErrorMargin: 20}
	if err := r.db.Create(&cameras).Error; err != nil {
		return wrapDBError(err)
	}
	if err := r.db.Create(&relays).Error; err != nil {
		return wrapDBError(err)
	}

	station := models.Station{
		Host:   "UbuntuRPi",
		Name:   "BHL Station",
		Secret: "q204gh8wgs",
		Containers: []models.Container{
			{Name: "Cameras shelf", SerialPath: "COM7", ProductTypeID: cameras.ID},
			{Name: "Relays shelf", SerialPath: "COM8", ProductTypeID: relays.ID},
		},
	}
	if err := r.db.Create(&station).Error; err != nil {
		return wrapDBError(err)
	}

	users := []models.User{
		{
			Name:     "Keanu Reeves",
			Username: "keanu",
			Password: "reeves",
			RFIDUID:  "453639431318",
			Stations: []models.Station{{Host: station.Host}},
		},
		{
			Name:     "Indiana Jones",
			Username: "indiana",
			Password: "jones",
			RFIDUID:  "352438262451",
			Stations: []models.Station{{Host: station.Host}},
		},
	}
	for i := range users {
		if err := r.db.Create(&users[i]).Error; err != nil {
			return wrapDBError(err)
		}
	}

	r.log.Infow("database seeding completed")
	return nil
}

// AuthenticateStation implements Store.
func (r *Repository) AuthenticateStation(host, secret string) (*models.Station, error) {
	var station models.Station
	err := r.db.
		Preload("Containers").
		Preload("Containers.ProductType").
		Where("host = ? AND secret = ?", host, secret).
		First(&station).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &station, nil
}

// AuthenticateUser implements Store.
func (r *Repository) AuthenticateUser(username, password string) (*models.User, error) {
	var user models.User
	err := r.db.
		Where("username = ? AND password = ?", username, password).
		First(&user).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &user, nil
}

// UserWithStations implements Store.
func (r *Repository) UserWithStations(id int64) (*models.User, error) {
	var user models.User
	err := r.db.
		Preload("Stations").
		Preload("Stations.Containers").
		Preload("Stations.Containers.ProductType").
		Where("user_id = ?", id).
		First(&user).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &user, nil
}

// UserByRFID implements Store.
func (r *Repository) UserByRFID(uid string) (*models.User, error) {
	var user models.User
	err := r.db.
		Preload("Stations").
		Where("rfid_uid = ?", uid).
		First(&user).Error
	if err != nil {
		return nil, mapLookupError(err)
	}
	return &user, nil
}

// SetStationConnected implements Store.
func (r *Repository) SetStationConnected(host string, connected bool) error {
	result := r.db.Model(&models.Station{}).
		Where("host = ?", host).
		Update("is_connected", connected)
	if result.Error != nil {
		return wrapDBError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveContainerCount implements Store.
func (r *Repository) SaveContainerCount(containerID, count int64) error {
	result := r.db.Model(&models.Container{}).
		Where("container_id = ?", containerID).
		Update("items_count", count)
	if result.Error != nil {
		return wrapDBError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveCalibration implements Store.
func (r *Repository) SaveCalibration(containerID int64, at time.Time) error {
	result := r.db.Model(&models.Container{}).
		Where("container_id = ?", containerID).
		Update("calibration_timestamp", at)
	if result.Error != nil {
		return wrapDBError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func mapLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return wrapDBError(err)
}

func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    "DATABASE_ERROR",
		Message: "database error occurred",
		Detail:  err.Error(),
	}
}
