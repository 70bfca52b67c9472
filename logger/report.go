package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader int64
	errorsEngine int64
	warnsReader  int64
	warnsEngine  int64
	eventsRead   int64
	signalsSent  int64
	storeWrites  int64
	channels     sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsReader, 1)
	} else if strings.Contains(component, "engine") || strings.Contains(component, "signal") {
		atomic.AddInt64(&warnsEngine, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsReader, 1)
	} else if strings.Contains(component, "engine") || strings.Contains(component, "signal") {
		atomic.AddInt64(&errorsEngine, 1)
	}
}

// IncrementEventRead records one liquidation payload read from a venue stream.
func IncrementEventRead(size int) {
	atomic.AddInt64(&eventsRead, 1)
	recordChannel("liquidation_ws", size)
}

// IncrementSignalPublished records one cascade signal published to subscribers.
func IncrementSignalPublished(size int) {
	atomic.AddInt64(&signalsSent, 1)
	recordChannel("signal_bus", size)
}

// IncrementStoreWrite records one batch written to the significant-event store.
func IncrementStoreWrite(size int64) {
	atomic.AddInt64(&storeWrites, 1)
	recordChannel("store_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_reader":     atomic.LoadInt64(&errorsReader),
		"errors_engine":     atomic.LoadInt64(&errorsEngine),
		"warns_reader":      atomic.LoadInt64(&warnsReader),
		"warns_engine":      atomic.LoadInt64(&warnsEngine),
		"events_read":       atomic.LoadInt64(&eventsRead),
		"signals_published": atomic.LoadInt64(&signalsSent),
		"store_writes":      atomic.LoadInt64(&storeWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
