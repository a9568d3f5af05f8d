package coordination

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/itskum47/FleetRoll/control_plane/observability"
	"github.com/itskum47/FleetRoll/control_plane/store"
)

// DeviceMonitor marks ONLINE devices OFFLINE once their heartbeat is older
// than the threshold, so they are skipped at the next dispatch.
type DeviceMonitor struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
	gate      func() bool
	now       func() time.Time
}

func NewDeviceMonitor(s store.Store, interval, threshold time.Duration) *DeviceMonitor {
	return &DeviceMonitor{
		store:     s,
		interval:  interval,
		threshold: threshold,
		gate:      func() bool { return true },
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnlyWhen makes every pass conditional, typically on leadership.
func (m *DeviceMonitor) OnlyWhen(gate func() bool) *DeviceMonitor {
	m.gate = gate
	return m
}

func (m *DeviceMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *DeviceMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Dur("threshold", m.threshold).Msg("starting device liveness monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.gate() {
				continue
			}
			if _, err := m.checkLiveness(ctx); err != nil {
				log.Warn().Err(err).Msg("device liveness pass failed")
			}
		}
	}
}

// checkLiveness returns how many devices were demoted.
func (m *DeviceMonitor) checkLiveness(ctx context.Context) (int, error) {
	devices, err := m.store.ListDevicesByStatus(ctx, store.DeviceOnline)
	if err != nil {
		return 0, err
	}

	now := m.now()
	demoted := 0
	for _, d := range devices {
		if now.Sub(d.LastHeartbeat) <= m.threshold {
			continue
		}
		if err := m.store.UpdateDeviceStatus(ctx, d.DeviceID, store.DeviceOffline); err != nil {
			log.Warn().Err(err).Str("device_id", d.DeviceID).Msg("mark device offline failed")
			continue
		}
		demoted++
		log.Info().
			Str("device_id", d.DeviceID).
			Time("last_heartbeat", d.LastHeartbeat).
			Msg("device heartbeat expired, marked offline")
	}
	observability.DevicesMarkedOffline.Add(float64(demoted))
	return demoted, nil
}
