package repository

import (
	"sync"
	"time"

	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
)

// Memory implements Store in-process. It backs tests and -dev runs of
// the broker where no PostgreSQL instance is around. Every lookup
// returns a deep copy so callers hold point-in-time snapshots, the
// same contract the database implementation gives them.
type Memory struct {
	mu       sync.Mutex
	stations map[string]*models.Station
	users    map[int64]*models.User
	// userStations maps operator id to the hosts the operator may act
	// on, mirroring the users_stations join table.
	userStations map[int64][]string
	nextUserID   int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		stations:     make(map[string]*models.Station),
		users:        make(map[int64]*models.User),
		userStations: make(map[int64][]string),
	}
}

// AddStation registers a station with its containers.
func (m *Memory) AddStation(station models.Station) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := cloneStation(&station)
	m.stations[s.Host] = s
}

// AddUser registers an operator authorized for the given hosts and
// returns the assigned id.
func (m *Memory) AddUser(user models.User, hosts ...string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.ID == 0 {
		m.nextUserID++
		user.ID = m.nextUserID
	} else if user.ID > m.nextUserID {
		m.nextUserID = user.ID
	}
	u := user
	u.Stations = nil
	m.users[u.ID] = &u
	m.userStations[u.ID] = append([]string(nil), hosts...)
	return u.ID
}

// SeedDemo loads the same demo fixtures Repository.Seed writes to
// PostgreSQL, for -dev runs of the broker.
func (m *Memory) SeedDemo() {
	cameras := &models.ProductType{ID: 1, Name: "Camera", TypicalWeight: 100, ErrorMargin: 10}
	relays := &models.ProductType{ID: 2, Name: "DC Relay", TypicalWeight: 200, ErrorMargin: 20}
	m.AddStation(models.Station{
		Host:   "UbuntuRPi",
		Name:   "BHL Station",
		Secret: "q204gh8wgs",
		Containers: []models.Container{
			{ID: 1, Name: "Cameras shelf", SerialPath: "COM7", ProductTypeID: cameras.ID, ProductType: cameras},
			{ID: 2, Name: "Relays shelf", SerialPath: "COM8", ProductTypeID: relays.ID, ProductType: relays},
		},
	})
	m.AddUser(models.User{
		Name:     "Keanu Reeves",
		Username: "keanu",
		Password: "reeves",
		RFIDUID:  "453639431318",
	}, "UbuntuRPi")
	m.AddUser(models.User{
		Name:     "Indiana Jones",
		Username: "indiana",
		Password: "jones",
		RFIDUID:  "352438262451",
	}, "UbuntuRPi")
}

// AuthenticateStation implements Store.
func (m *Memory) AuthenticateStation(host, secret string) (*models.Station, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	station, ok := m.stations[host]
	if !ok || station.Secret != secret {
		return nil, ErrNotFound
	}
	return cloneStation(station), nil
}

// AuthenticateUser implements Store.
func (m *Memory) AuthenticateUser(username, password string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username && user.Password == password {
			u := *user
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// UserWithStations implements Store.
func (m *Memory) UserWithStations(id int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	for _, host := range m.userStations[id] {
		if station, ok := m.stations[host]; ok {
			u.Stations = append(u.Stations, *cloneStation(station))
		}
	}
	return &u, nil
}

// UserByRFID implements Store.
func (m *Memory) UserByRFID(uid string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, user := range m.users {
		if user.RFIDUID != "" && user.RFIDUID == uid {
			u := *user
			for _, host := range m.userStations[id] {
				if station, ok := m.stations[host]; ok {
					u.Stations = append(u.Stations, *cloneStation(station))
				}
			}
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// SetStationConnected implements Store.
func (m *Memory) SetStationConnected(host string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	station, ok := m.stations[host]
	if !ok {
		return ErrNotFound
	}
	station.IsConnected = connected
	return nil
}

// SaveContainerCount implements Store.
func (m *Memory) SaveContainerCount(containerID, count int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if container := m.findContainer(containerID); container != nil {
		container.ItemsCount = count
		return nil
	}
	return ErrNotFound
}

// SaveCalibration implements Store.
func (m *Memory) SaveCalibration(containerID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if container := m.findContainer(containerID); container != nil {
		t := at
		container.CalibrationTimestamp = &t
		return nil
	}
	return ErrNotFound
}

// ContainerCount reports the currently stored item count, for test
// assertions.
func (m *Memory) ContainerCount(containerID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if container := m.findContainer(containerID); container != nil {
		return container.ItemsCount, true
	}
	return 0, false
}

// CalibrationTimestamp reports the stored calibration time, for test
// assertions.
func (m *Memory) CalibrationTimestamp(containerID int64) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if container := m.findContainer(containerID); container != nil && container.CalibrationTimestamp != nil {
		t := *container.CalibrationTimestamp
		return &t
	}
	return nil
}

func (m *Memory) findContainer(containerID int64) *models.Container {
	for _, station := range m.stations {
		for i := range station.Containers {
			if station.Containers[i].ID == containerID {
				return &station.Containers[i]
			}
		}
	}
	return nil
}

func cloneStation(station *models.Station) *models.Station {
	s := *station
	s.Containers = make([]models.Container, len(station.Containers))
	copy(s.Containers, station.Containers)
	for i := range s.Containers {
		if pt := s.Containers[i].ProductType; pt != nil {
			p := *pt
			s.Containers[i].ProductType = &p
		}
		if ts := s.Containers[i].CalibrationTimestamp; ts != nil {
			t := *ts
			s.Containers[i].CalibrationTimestamp = &t
		}
	}
	return &s
}
