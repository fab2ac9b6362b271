package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	broker "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Broker"
	config "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Config"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models"
)

const (
	diagTimeout  = 10 * time.Second
	echoWait     = 5 * time.Second
	sampleTopic  = "inventory/scale/001"
	sampleFilter = "inventory/scale/+"
)

func main() {
	target := flag.String("broker", "local", "broker to test: local or cloud")
	simulate := flag.Int("simulate", 0, "publish N sample readings one second apart after the checks")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger(&cfg.Logging)

	mqttCfg := cfg.Local
	switch *target {
	case "local":
	case "cloud":
		if !cfg.CloudEnabled() {
			log.FatalWithError(errors.New("CLOUD_MQTT_HOST is not set"), "Cannot test cloud broker")
		}
		mqttCfg = cfg.Cloud
	default:
		log.FatalWithError(fmt.Errorf("unknown broker %q", *target), "Invalid -broker flag")
	}
	mqttCfg.ReconnectPeriod = 0
	mqttCfg.ConnectTimeout = diagTimeout
	mqttCfg.ClientID = mqttCfg.ClientID + "-conntest"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := broker.NewConnection(mqttCfg, log)
	d := &diagnostics{
		conn:     conn,
		log:      log.WithComponent("conntest"),
		timeout:  diagTimeout,
		echoWait: echoWait,
		interval: time.Second,
		now:      time.Now,
	}

	res := d.run(ctx, *simulate)
	conn.Close()

	res.print(os.Stdout)
	if !res.passed() {
		os.Exit(1)
	}
}

type link interface {
	Connect(ctx context.Context) error
	Subscribe(filter string, qos byte) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Events() <-chan broker.Event
}

var _ link = (*broker.Connection)(nil)

type results struct {
	Connection bool
	Publish    bool
	Subscribe  bool
	Simulated  int
	Errors     []string
}

func (r *results) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r results) passed() bool {
	return r.Connection && r.Publish && r.Subscribe
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func (r results) print(w io.Writer) {
	fmt.Fprintln(w, "MQTT CONNECTION TEST RESULTS")
	fmt.Fprintf(w, "  Connection: %s\n", passFail(r.Connection))
	fmt.Fprintf(w, "  Publish:    %s\n", passFail(r.Publish))
	fmt.Fprintf(w, "  Subscribe:  %s\n", passFail(r.Subscribe))
	if r.Simulated > 0 {
		fmt.Fprintf(w, "  Simulated:  %d readings\n", r.Simulated)
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  - %s\n", e)
	}
	if r.passed() {
		fmt.Fprintln(w, "Overall: ALL TESTS PASSED")
	} else {
		fmt.Fprintln(w, "Overall: SOME TESTS FAILED")
	}
}

type diagnostics struct {
	conn     link
	log      *logger.Logger
	timeout  time.Duration
	echoWait time.Duration
	interval time.Duration
	now      func() time.Time
}

func (d *diagnostics) run(ctx context.Context, simulate int) results {
	var res results

	if !d.connect(ctx, &res) {
		return res
	}

	subErr := d.conn.Subscribe(sampleFilter, 1)
	if subErr != nil {
		res.fail("subscribe error: %v", subErr)
	}

	start := d.now()
	if err := d.conn.Publish(ctx, sampleTopic, d.sample(0), 1); err != nil {
		res.fail("publish error: %v", err)
	} else {
		res.Publish = true
		d.log.Logger.Info().Str("topic", sampleTopic).Dur("took", d.now().Sub(start)).Msg("Published sample reading")
	}

	if subErr == nil {
		res.Subscribe = d.awaitEcho(ctx, &res)
	}

	for i := 0; i < simulate; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(d.interval):
			}
		}
		if err := d.conn.Publish(ctx, sampleTopic, d.sample(i+1), 1); err != nil {
			res.fail("simulated reading %d: %v", i+1, err)
			break
		}
		res.Simulated++
		d.log.Logger.Info().Int("n", i+1).Int("of", simulate).Msg("Published simulated reading")
	}

	return res
}

// connect waits for the first connect or the terminal disconnect
func (d *diagnostics) connect(ctx context.Context, res *results) bool {
	if err := d.conn.Connect(ctx); err != nil {
		res.fail("connection error: %v", err)
		return false
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	start := d.now()
	for {
		select {
		case ev := <-d.conn.Events():
			switch ev.Kind {
			case broker.EventConnect:
				res.Connection = true
				d.log.Logger.Info().Dur("took", d.now().Sub(start)).Msg("Connected to broker")
				return true
			case broker.EventError:
				res.fail("connection error: %v", ev.Err)
			case broker.EventDisconnect:
				if len(res.Errors) == 0 {
					res.fail("disconnected before connect")
				}
				return false
			}
		case <-timer.C:
			res.fail("connection timeout (%s)", d.timeout)
			return false
		case <-ctx.Done():
			res.fail("interrupted")
			return false
		}
	}
}

// awaitEcho reports success on the echo of a scale reading. Silence is a
// warning only: some brokers deny a client its own messages.
func (d *diagnostics) awaitEcho(ctx context.Context, res *results) bool {
	timer := time.NewTimer(d.echoWait)
	defer timer.Stop()

	for {
		select {
		case ev := <-d.conn.Events():
			switch ev.Kind {
			case broker.EventMessage:
				d.log.Logger.Info().Str("topic", ev.Topic).Bytes("payload", ev.Payload).Msg("Received scale message")
				return true
			case broker.EventError:
				res.fail("subscribe error: %v", ev.Err)
				return false
			case broker.EventOffline, broker.EventDisconnect:
				res.fail("connection lost while waiting for messages")
				return false
			}
		case <-timer.C:
			d.log.Warn("No messages received within " + d.echoWait.String() + " (this may be normal)")
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (d *diagnostics) sample(n int) []byte {
	payload, _ := json.Marshal(map[string]any{
		"scale_id":    "SCALE_001",
		"location":    "WAREHOUSE_A",
		"item_type":   "COMPONENTS",
		"weight_kg":   2.5 + 0.5*float64(n),
		"item_count":  5 + n,
		"item_weight": 0.5,
		"timestamp":   d.now().UnixMilli(),
		"status":      mqtmodels.ReadingStatusActive,
	})
	return payload
}
