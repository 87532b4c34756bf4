package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	turnsCompleted      atomic.Int64
	humanActions        atomic.Int64
	turnDurationNanos   atomic.Int64
	turnCount           atomic.Int64
	turnFailures        labeledCounter
	commands            labeledCounter
	commandErrors       labeledCounter
	engineEvents        labeledCounter
	sessions            atomic.Int64
	connections         atomic.Int64
	connectionsTotal    atomic.Int64
	broadcastFailures   atomic.Int64
	keepaliveTimeouts   atomic.Int64
	rateLimited         atomic.Int64
	eventsPublished     labeledCounter
	eventsDropped       labeledCounter
	subscribers         sync.Map
	checkpointsSaved    atomic.Int64
	checkpointsRestored atomic.Int64
}

type subscriberCounts struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

var Default = &Registry{}

// RecordTurn records one executor call. An empty category means success.
func (r *Registry) RecordTurn(duration time.Duration, category string) {
	if r == nil {
		return
	}
	r.turnCount.Add(1)
	r.turnDurationNanos.Add(duration.Nanoseconds())
	if strings.TrimSpace(category) == "" {
		r.turnsCompleted.Add(1)
		return
	}
	r.turnFailures.inc(category)
}

func (r *Registry) IncHumanAction() {
	if r == nil {
		return
	}
	r.humanActions.Add(1)
}

func (r *Registry) IncCommand(commandType string, err error) {
	if r == nil {
		return
	}
	r.commands.inc(commandType)
	if err != nil {
		r.commandErrors.inc(commandType)
	}
}

func (r *Registry) IncEngineEvent(eventType string) {
	if r == nil {
		return
	}
	r.engineEvents.inc(eventType)
}

func (r *Registry) SetSessions(count int) {
	if r == nil {
		return
	}
	r.sessions.Store(int64(count))
}

func (r *Registry) ConnectionOpened() {
	if r == nil {
		return
	}
	r.connections.Add(1)
	r.connectionsTotal.Add(1)
}

func (r *Registry) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connections.Add(-1)
}

func (r *Registry) Connections() int64 {
	if r == nil {
		return 0
	}
	return r.connections.Load()
}

func (r *Registry) IncBroadcastFailure() {
	if r == nil {
		return
	}
	r.broadcastFailures.Add(1)
}

func (r *Registry) BroadcastFailures() int64 {
	if r == nil {
		return 0
	}
	return r.broadcastFailures.Load()
}

func (r *Registry) IncKeepaliveTimeout() {
	if r == nil {
		return
	}
	r.keepaliveTimeouts.Add(1)
}

func (r *Registry) IncRateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Add(1)
}

func (r *Registry) IncCheckpointSaved() {
	if r == nil {
		return
	}
	r.checkpointsSaved.Add(1)
}

func (r *Registry) IncCheckpointRestored() {
	if r == nil {
		return
	}
	r.checkpointsRestored.Add(1)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.inc(bus + "\x00" + eventType)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsDropped.inc(bus + "\x00" + eventType)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.subscribers.LoadOrStore(bus, &subscriberCounts{})
	counts := value.(*subscriberCounts)
	counts.filtered.Store(int64(filtered))
	counts.unfiltered.Store(int64(unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "chronicle_turns_completed_total", "Turns applied from the turn executor", r.turnsCompleted.Load())
	writeCounter(writer, "chronicle_human_actions_total", "Turns submitted by human participants", r.humanActions.Load())
	writeHelp(writer, "chronicle_turn_duration_seconds", "Turn executor call duration in seconds")
	fmt.Fprintln(writer, "# TYPE chronicle_turn_duration_seconds summary")
	fmt.Fprintf(writer, "chronicle_turn_duration_seconds_sum %.6f\n", float64(r.turnDurationNanos.Load())/float64(time.Second))
	fmt.Fprintf(writer, "chronicle_turn_duration_seconds_count %d\n", r.turnCount.Load())
	r.turnFailures.write(writer, "chronicle_turn_failures_total", "Turn executor failures", "category")
	r.commands.write(writer, "chronicle_commands_total", "Commands received from viewers", "command")
	r.commandErrors.write(writer, "chronicle_command_errors_total", "Commands rejected by the engine or gateway", "command")
	r.engineEvents.write(writer, "chronicle_engine_events_total", "Events emitted by session engines", "event")

	writeGauge(writer, "chronicle_sessions", "Live sessions", r.sessions.Load())
	writeGauge(writer, "chronicle_connections", "Open viewer connections", r.connections.Load())
	writeCounter(writer, "chronicle_connections_total", "Viewer connections accepted", r.connectionsTotal.Load())
	writeCounter(writer, "chronicle_broadcast_failures_total", "Connections dropped after a failed send", r.broadcastFailures.Load())
	writeCounter(writer, "chronicle_keepalive_timeouts_total", "Connections closed by keepalive timeout", r.keepaliveTimeouts.Load())
	writeCounter(writer, "chronicle_rate_limited_total", "Commands rejected by the rate limiter", r.rateLimited.Load())
	writeCounter(writer, "chronicle_checkpoints_saved_total", "Checkpoints written", r.checkpointsSaved.Load())
	writeCounter(writer, "chronicle_checkpoints_restored_total", "Checkpoints restored", r.checkpointsRestored.Load())

	writeBusCounter(writer, "chronicle_bus_events_published_total", "Events published on internal buses", &r.eventsPublished)
	writeBusCounter(writer, "chronicle_bus_events_dropped_total", "Events dropped on internal buses", &r.eventsDropped)

	busNames := syncMapKeys(&r.subscribers)
	sort.Strings(busNames)
	writeHelp(writer, "chronicle_bus_subscribers", "Internal bus subscribers")
	fmt.Fprintln(writer, "# TYPE chronicle_bus_subscribers gauge")
	for _, name := range busNames {
		value, _ := r.subscribers.Load(name)
		counts := value.(*subscriberCounts)
		label := formatLabel(name)
		fmt.Fprintf(writer, "chronicle_bus_subscribers{bus=%s,filtered=\"true\"} %d\n", label, counts.filtered.Load())
		fmt.Fprintf(writer, "chronicle_bus_subscribers{bus=%s,filtered=\"false\"} %d\n", label, counts.unfiltered.Load())
	}

	return nil
}

type labeledCounter struct {
	values sync.Map
}

func (c *labeledCounter) inc(label string) {
	if strings.TrimSpace(label) == "" {
		label = "unknown"
	}
	value, _ := c.values.LoadOrStore(label, new(atomic.Int64))
	value.(*atomic.Int64).Add(1)
}

func (c *labeledCounter) get(label string) int64 {
	value, ok := c.values.Load(label)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func (c *labeledCounter) write(writer io.Writer, metric, help, labelName string) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	labels := syncMapKeys(&c.values)
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(writer, "%s{%s=%s} %d\n", metric, labelName, formatLabel(label), c.get(label))
	}
}

func writeBusCounter(writer io.Writer, metric, help string, counter *labeledCounter) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	keys := syncMapKeys(&counter.values)
	sort.Strings(keys)
	for _, key := range keys {
		bus, eventType, _ := strings.Cut(key, "\x00")
		fmt.Fprintf(writer, "%s{bus=%s,type=%s} %d\n", metric, formatLabel(bus), formatLabel(eventType), counter.get(key))
	}
}

func syncMapKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	return keys
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
