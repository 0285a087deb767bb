package transaction

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

// recordingStore captures SaveContainerCount calls, interleaved with
// notifier calls so tests can assert ordering.
type recordingStore struct {
	mu     sync.Mutex
	events *[]string
	counts map[int64]int64
}

func (s *recordingStore) SaveContainerCount(containerID, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, "persist")
	s.counts[containerID] = count
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events *[]string
}

func (n *recordingNotifier) NotifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	*n.events = append(*n.events, "notify")
}

type harness struct {
	orch        *Orchestrator
	brokerConn  *wire.Conn
	stationConn *wire.Conn
	station     *models.Station
	store       *recordingStore
	events      []string
	mu          sync.Mutex
	progress    []Progress
}

func (h *harness) sink(p Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "sink")
	h.progress = append(h.progress, p)
}

func (h *harness) ticks() []Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Progress
	for _, p := range h.progress {
		if p.Kind == KindTick {
			out = append(out, p)
		}
	}
	return out
}

func newHarness(t *testing.T, ackTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		station: &models.Station{
			Host: "UbuntuRPi",
			Containers: []models.Container{
				{ID: 7, ItemsCount: 4},
				{ID: 8, ItemsCount: 2},
			},
		},
	}
	h.store = &recordingStore{events: &h.events, counts: make(map[int64]int64)}
	notifier := &recordingNotifier{events: &h.events}
	h.orch = NewOrchestrator(h.store, notifier, zap.NewNop().Sugar(), ackTimeout)

	ncA, ncB := net.Pipe()
	h.brokerConn, h.stationConn = wire.NewConn(ncA), wire.NewConn(ncB)
	ctx, cancel := context.WithCancel(context.Background())
	go h.brokerConn.Serve(ctx)
	go h.stationConn.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		h.brokerConn.Close()
		h.stationConn.Close()
	})
	return h
}

// scriptStation installs a put_in handler on the station side that
// streams the given frames and then acks with ok.
func (h *harness) scriptStation(t *testing.T, mode Mode, frames []Frame, ok bool) {
	t.Helper()
	h.stationConn.Handle(mode.Command(), func(_ context.Context, _ []byte) (any, error) {
		for _, f := range frames {
			require.NoError(t, h.stationConn.Emit(mode.ProgressEvent(), f))
		}
		return ok, nil
	})
}

func TestRunStoreHappyPath(t *testing.T) {
	h := newHarness(t, time.Second)
	h.scriptStation(t, ModeStore, []Frame{
		{Kind: KindUnlocked},
		{Kind: KindTick, ContainerID: 7, Count: 5},
		{Kind: KindTick, ContainerID: 7, Count: 8},
		{Kind: KindTick, ContainerID: 7, Count: 10},
		{Kind: KindDone, Count: 10},
	}, true)

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 10}, h.sink)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)

	ticks := h.ticks()
	require.Len(t, ticks, 3)
	for _, p := range ticks {
		assert.False(t, p.WrongDirection)
		assert.Empty(t, p.Warning)
	}
	assert.Equal(t, int64(10), h.store.counts[7])

	// Unlocked and done frames reached the sink too.
	h.mu.Lock()
	assert.Equal(t, KindUnlocked, h.progress[0].Kind)
	assert.Equal(t, KindDone, h.progress[len(h.progress)-1].Kind)
	h.mu.Unlock()
}

func TestRunTickOrderingPersistNotifySink(t *testing.T) {
	h := newHarness(t, time.Second)
	h.scriptStation(t, ModeStore, []Frame{
		{Kind: KindTick, ContainerID: 7, Count: 5},
		{Kind: KindTick, ContainerID: 7, Count: 6},
	}, true)

	_, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 6}, h.sink)
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"persist", "notify", "sink", "persist", "notify", "sink"}, h.events)
}

func TestRunWrongDirectionCue(t *testing.T) {
	h := newHarness(t, time.Second)
	h.scriptStation(t, ModeStore, []Frame{
		{Kind: KindTick, ContainerID: 7, Count: 5},
		{Kind: KindTick, ContainerID: 7, Count: 4},
		{Kind: KindTick, ContainerID: 7, Count: 6},
	}, true)

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 6}, h.sink)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)

	ticks := h.ticks()
	require.Len(t, ticks, 3)
	assert.False(t, ticks[0].WrongDirection)
	assert.True(t, ticks[1].WrongDirection)
	assert.Equal(t, WarningStoreInstead, ticks[1].Warning)
	assert.False(t, ticks[2].WrongDirection)

	// The anomalous reading was persisted like any other; the final
	// reading wins.
	assert.Equal(t, int64(6), h.store.counts[7])
}

func TestRunStationAcksFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.scriptStation(t, ModePick, []Frame{
		{Kind: KindTick, ContainerID: 8, Count: 1},
	}, false)

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModePick, map[int64]int64{8: 0}, h.sink)
	require.NoError(t, err)
	assert.Equal(t, ResultFailure, result)

	// The tick persisted before the failed ack stays persisted.
	assert.Equal(t, int64(1), h.store.counts[8])
}

func TestRunUnknownContainerRejected(t *testing.T) {
	h := newHarness(t, time.Second)

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{99: 5}, h.sink)
	assert.ErrorIs(t, err, ErrUnknownContainer)
	assert.Equal(t, ResultFailure, result)
	assert.Empty(t, h.ticks())
}

func TestRunStationBusy(t *testing.T) {
	h := newHarness(t, time.Second)
	h.orch.lockFor(h.station.Host).Lock()
	defer h.orch.lockFor(h.station.Host).Unlock()

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 10}, h.sink)
	assert.ErrorIs(t, err, ErrStationBusy)
	assert.Equal(t, ResultFailure, result)
}

func TestRunConnectionLost(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	h.stationConn.Handle(ModeStore.Command(), func(ctx context.Context, _ []byte) (any, error) {
		require.NoError(t, h.stationConn.Emit(ModeStore.ProgressEvent(),
			Frame{Kind: KindTick, ContainerID: 7, Count: 5}))
		time.Sleep(50 * time.Millisecond)
		h.stationConn.Close()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 10}, h.sink)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, ResultAborted, result)

	// The tick seen before the drop is already persisted.
	assert.Equal(t, int64(5), h.store.counts[7])
}

func TestRunAckTimeout(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.stationConn.Handle(ModeStore.Command(), func(ctx context.Context, _ []byte) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	result, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 10}, h.sink)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Equal(t, ResultAborted, result)
}

func TestRunReleasesLock(t *testing.T) {
	h := newHarness(t, time.Second)
	h.scriptStation(t, ModeStore, nil, true)

	_, err := h.orch.Run(context.Background(), h.brokerConn, h.station,
		ModeStore, map[int64]int64{7: 10}, h.sink)
	require.NoError(t, err)

	// The per-station mutex is free again for the next run.
	assert.True(t, h.orch.lockFor(h.station.Host).TryLock())
	h.orch.lockFor(h.station.Host).Unlock()
}
