package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/auth"
	"github.com/artus9033/bhl-heartware-empire-2023/broadcast"
	"github.com/artus9033/bhl-heartware-empire-2023/registry"
	"github.com/artus9033/bhl-heartware-empire-2023/repository"
	"github.com/artus9033/bhl-heartware-empire-2023/transaction"
	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

const (
	testHost   = "UbuntuRPi"
	testSecret = "q204gh8wgs"
)

type brokerHarness struct {
	broker *Broker
	mem    *repository.Memory
}

func startBroker(t *testing.T) *brokerHarness {
	t.Helper()
	mem := repository.NewMemory()
	mem.SeedDemo()

	reg := registry.New()
	log := zap.NewNop().Sugar()
	notifier := broadcast.New(reg, log)
	authorizer := auth.New(mem, nil, log)

	b := New(Config{
		StationAddr:        "127.0.0.1:0",
		OperatorAddr:       "127.0.0.1:0",
		AckTimeout:         2 * time.Second,
		CalibrationTimeout: time.Second,
	}, mem, reg, authorizer, notifier, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		cancel()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancelShutdown()
		b.Shutdown(shutdownCtx)
	})
	return &brokerHarness{broker: b, mem: mem}
}

func dial(t *testing.T, addr string) *wire.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn := wire.NewConn(nc)
	ctx, cancel := context.WithCancel(context.Background())
	go conn.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		conn.Close()
	})
	return conn
}

// stationClient simulates the hardware gateway: it answers initUnits
// and records what it received.
type stationClient struct {
	conn *wire.Conn

	mu    sync.Mutex
	units []ContainerUnit
}

func connectStation(t *testing.T, h *brokerHarness) *stationClient {
	t.Helper()
	c := &stationClient{conn: dial(t, h.broker.StationAddress())}
	unitsReceived := make(chan struct{})
	c.conn.Handle(EventInitUnits, func(_ context.Context, payload []byte) (any, error) {
		var units []ContainerUnit
		require.NoError(t, wire.Unmarshal(payload, &units))
		c.mu.Lock()
		c.units = units
		c.mu.Unlock()
		close(unitsReceived)
		return true, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var ok bool
	require.NoError(t, c.conn.Request(ctx, EventStationAuth,
		stationAuthRequest{Host: testHost, Secret: testSecret}, &ok))
	require.True(t, ok)

	select {
	case <-unitsReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("station never received initUnits")
	}
	return c
}

func connectOperator(t *testing.T, h *brokerHarness, username, password string) (*wire.Conn, AuthReply) {
	t.Helper()
	conn := dial(t, h.broker.OperatorAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply AuthReply
	require.NoError(t, conn.Request(ctx, EventOperatorAuth,
		operatorAuthRequest{Username: username, Password: password}, &reply))
	return conn, reply
}

func request(t *testing.T, conn *wire.Conn, event string, v, reply any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Request(ctx, event, v, reply))
}

func TestStationAuthAndInitUnits(t *testing.T) {
	h := startBroker(t)
	station := connectStation(t, h)

	station.mu.Lock()
	units := station.units
	station.mu.Unlock()
	require.Len(t, units, 2)
	assert.Equal(t, "Cameras shelf", units[0].Name)
	assert.Equal(t, "COM7", units[0].SerialPath)
	assert.Equal(t, float64(100), units[0].Weight)
	assert.Equal(t, float64(10), units[0].ErrorMargin)

	// The connected flag is persisted, not just held in memory.
	s, err := h.mem.AuthenticateStation(testHost, testSecret)
	require.NoError(t, err)
	assert.True(t, s.IsConnected)
}

func TestStationAuthRejected(t *testing.T) {
	h := startBroker(t)
	conn := dial(t, h.broker.StationAddress())

	var ok bool
	request(t, conn, EventStationAuth,
		stationAuthRequest{Host: testHost, Secret: "wrong"}, &ok)
	assert.False(t, ok)
}

func TestStationDisconnectClearsFlag(t *testing.T) {
	h := startBroker(t)
	station := connectStation(t, h)

	require.NoError(t, station.conn.Close())

	// The close callback runs asynchronously to the test.
	assert.Eventually(t, func() bool {
		s, err := h.mem.AuthenticateStation(testHost, testSecret)
		return err == nil && !s.IsConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRFIDCheck(t *testing.T) {
	h := startBroker(t)
	station := connectStation(t, h)

	var ok bool
	request(t, station.conn, EventRFIDCheck, rfidCheckRequest{RFID: "453639431318"}, &ok)
	assert.True(t, ok, "seeded badge should unlock its own station")

	request(t, station.conn, EventRFIDCheck, rfidCheckRequest{RFID: "000000000000"}, &ok)
	assert.False(t, ok)
}

func TestRFIDCheckUnauthenticatedChannel(t *testing.T) {
	h := startBroker(t)
	conn := dial(t, h.broker.StationAddress())

	// No auth first: the decision is null, not false.
	var reply any
	request(t, conn, EventRFIDCheck, rfidCheckRequest{RFID: "453639431318"}, &reply)
	assert.Nil(t, reply)
}

func TestOperatorAuth(t *testing.T) {
	h := startBroker(t)

	_, reply := connectOperator(t, h, "keanu", "reeves")
	assert.True(t, reply.Success)
	assert.Equal(t, "Keanu Reeves", reply.Name)
	assert.NotZero(t, reply.ID)

	_, reply = connectOperator(t, h, "keanu", "wrong")
	assert.False(t, reply.Success)
	assert.Zero(t, reply.ID)
}

func TestListStations(t *testing.T) {
	h := startBroker(t)
	connectStation(t, h)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var stations []StationSummary
	request(t, conn, EventListStations, nil, &stations)
	require.Len(t, stations, 1)
	assert.Equal(t, testHost, stations[0].Host)
	assert.Equal(t, "BHL Station", stations[0].Name)
	assert.True(t, stations[0].IsConnected)
	assert.Equal(t, 2, stations[0].ContainersCount)
}

func TestListStationsUnauthenticated(t *testing.T) {
	h := startBroker(t)
	conn := dial(t, h.broker.OperatorAddress())

	var reply any
	request(t, conn, EventListStations, nil, &reply)
	assert.Nil(t, reply)
}

func TestListContainersInStation(t *testing.T) {
	h := startBroker(t)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var details StationDetails
	request(t, conn, EventListContainers, listContainersRequest{Host: testHost}, &details)
	assert.Equal(t, testHost, details.Host)
	require.Len(t, details.Containers, 2)
	require.NotNil(t, details.Containers[0].ProductType)
	assert.Equal(t, "Camera", details.Containers[0].ProductType.Name)
}

func TestListContainersDenied(t *testing.T) {
	h := startBroker(t)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var reply any
	request(t, conn, EventListContainers, listContainersRequest{Host: "NoSuchHost"}, &reply)
	assert.Nil(t, reply)
}

func TestLogout(t *testing.T) {
	h := startBroker(t)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var ok bool
	request(t, conn, EventLogout, nil, &ok)
	assert.True(t, ok)

	// The channel survives, but the session is anonymous again.
	var reply any
	request(t, conn, EventListStations, nil, &reply)
	assert.Nil(t, reply)

	request(t, conn, EventLogout, nil, &ok)
	assert.False(t, ok, "second logout has nothing to clear")
}

func TestCalibrateOffline(t *testing.T) {
	h := startBroker(t)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var reply CalibrationReply
	request(t, conn, EventCalibrate, calibrateRequest{ContainerID: 1}, &reply)
	assert.Equal(t, CalibrationOffline, reply.Status)
	assert.Nil(t, h.mem.CalibrationTimestamp(1))
}

func TestCalibrateDenied(t *testing.T) {
	h := startBroker(t)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var reply CalibrationReply
	request(t, conn, EventCalibrate, calibrateRequest{ContainerID: 999}, &reply)
	assert.Equal(t, CalibrationDenied, reply.Status)
}

func TestCalibrateSuccess(t *testing.T) {
	h := startBroker(t)
	station := connectStation(t, h)
	station.conn.Handle(EventCalibrate, func(_ context.Context, payload []byte) (any, error) {
		var cmd calibrateCommand
		require.NoError(t, wire.Unmarshal(payload, &cmd))
		assert.Equal(t, int64(1), cmd.ContainerID)
		return true, nil
	})

	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var reply CalibrationReply
	request(t, conn, EventCalibrate, calibrateRequest{ContainerID: 1}, &reply)
	assert.Equal(t, CalibrationOK, reply.Status)
	assert.NotNil(t, h.mem.CalibrationTimestamp(1))
}

func TestCalibrateHardwareFailure(t *testing.T) {
	h := startBroker(t)
	station := connectStation(t, h)
	station.conn.Handle(EventCalibrate, func(_ context.Context, _ []byte) (any, error) {
		return false, nil
	})

	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var reply CalibrationReply
	request(t, conn, EventCalibrate, calibrateRequest{ContainerID: 1}, &reply)
	assert.Equal(t, CalibrationFailed, reply.Status)
	assert.Nil(t, h.mem.CalibrationTimestamp(1))
}

func TestStoreTransactionEndToEnd(t *testing.T) {
	h := startBroker(t)
	station := connectStation(t, h)

	mode := transaction.ModeStore
	station.conn.Handle(mode.Command(), func(_ context.Context, payload []byte) (any, error) {
		var targets map[int64]int64
		require.NoError(t, wire.Unmarshal(payload, &targets))
		assert.Equal(t, map[int64]int64{1: 3}, targets)

		for _, f := range []transaction.Frame{
			{Kind: transaction.KindUnlocked},
			{Kind: transaction.KindTick, ContainerID: 1, Count: 1},
			{Kind: transaction.KindTick, ContainerID: 1, Count: 2},
			{Kind: transaction.KindTick, ContainerID: 1, Count: 3},
			{Kind: transaction.KindDone, Count: 3},
		} {
			require.NoError(t, station.conn.Emit(mode.ProgressEvent(), f))
		}
		return true, nil
	})

	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var mu sync.Mutex
	var progress []transaction.Progress
	refreshed := 0
	conn.On(mode.ProgressEvent(), func(payload []byte) {
		var p transaction.Progress
		require.NoError(t, wire.Unmarshal(payload, &p))
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	conn.On(broadcast.EventRefreshData, func([]byte) {
		mu.Lock()
		refreshed++
		mu.Unlock()
	})

	var ok bool
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Request(ctx, mode.Command(),
		transactionRequest{Host: testHost, Targets: map[int64]int64{1: 3}}, &ok))
	assert.True(t, ok)

	count, found := h.mem.ContainerCount(1)
	require.True(t, found)
	assert.Equal(t, int64(3), count)

	// Progress frames reached this operator in order.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transaction.KindUnlocked, progress[0].Kind)
	for i, count := range []int64{1, 2, 3} {
		p := progress[i+1]
		assert.Equal(t, transaction.KindTick, p.Kind)
		assert.Equal(t, count, p.Count)
		assert.False(t, p.WrongDirection)
	}
	assert.Equal(t, transaction.KindDone, progress[4].Kind)
	assert.GreaterOrEqual(t, refreshed, 3, "each tick broadcasts refreshData")
}

func TestTransactionOfflineStation(t *testing.T) {
	h := startBroker(t)
	conn, _ := connectOperator(t, h, "keanu", "reeves")

	var ok bool
	request(t, conn, transaction.ModeStore.Command(),
		transactionRequest{Host: testHost, Targets: map[int64]int64{1: 3}}, &ok)
	assert.False(t, ok)
}

func TestTransactionDenied(t *testing.T) {
	h := startBroker(t)
	connectStation(t, h)
	conn := dial(t, h.broker.OperatorAddress())

	// Unauthenticated operators get null, not false.
	var reply any
	request(t, conn, transaction.ModeStore.Command(),
		transactionRequest{Host: testHost, Targets: map[int64]int64{1: 3}}, &reply)
	assert.Nil(t, reply)
}
