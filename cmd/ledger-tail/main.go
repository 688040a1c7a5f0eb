// ledger-tail prints device history events from the Kafka fan-out topic as
// they arrive.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/spf13/pflag"

	"github.com/resortops/passkeeper/internal/config"
	"github.com/resortops/passkeeper/internal/kafka"
	"github.com/resortops/passkeeper/internal/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadConfig()

	var (
		brokers    []string
		topic      string
		group      string
		serial     string
		eventTypes []string
		fromStart  bool
		asJSON     bool
	)

	flagSet := pflag.NewFlagSet("ledger-tail", pflag.ContinueOnError)
	flagSet.StringSliceVar(&brokers, "brokers", cfg.KafkaBrokers, "kafka brokers")
	flagSet.StringVar(&topic, "topic", cfg.KafkaTopic, "device history topic")
	flagSet.StringVar(&group, "group", cfg.KafkaGroupID, "consumer group id")
	flagSet.StringVarP(&serial, "serial", "s", "", "only show events for this device serial")
	flagSet.StringSliceVarP(&eventTypes, "type", "t", nil, "only show these event types")
	flagSet.BoolVar(&fromStart, "from-beginning", false, "start from the oldest retained offset")
	flagSet.BoolVar(&asJSON, "json", false, "print raw JSON events")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers: pass --brokers or set KAFKA_BROKERS")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if fromStart {
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	wanted := make(map[models.EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[models.EventType(t)] = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return kafka.StartSaramaConsumer(ctx, saramaCfg, brokers, group, []string{topic},
		func(_ context.Context, ev models.DeviceHistoryEvent) error {
			if serial != "" && ev.DeviceSerial != serial {
				return nil
			}
			if len(wanted) > 0 && !wanted[ev.EventType] {
				return nil
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(ev)
			}
			fmt.Println(formatEvent(ev))
			return nil
		})
}

func formatEvent(ev models.DeviceHistoryEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-10s %-32s %s",
		ev.EventTimestamp.Format("2006-01-02 15:04:05"), ev.DeviceSerial, ev.EventType, ev.ProcessingStatus)
	if ev.InitiatorID != "" {
		fmt.Fprintf(&b, "  by %s", ev.InitiatorID)
	}
	if msg, ok := ev.Details.Metadata["writeError"]; ok {
		fmt.Fprintf(&b, "  (%v)", msg)
	}
	return b.String()
}
