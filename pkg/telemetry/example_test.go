package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/offerd/pkg/telemetry"
)

// Example_structuredLogging demonstrates component loggers with task fields.
func Example_structuredLogging() {
	logger := telemetry.NopLogger().NewComponentLogger("scheduler")

	logger = logger.WithOfferID("offer-1").WithTask("node-0", "daemon")
	logger.Debug("evaluating requirement")

	err := fmt.Errorf("insufficient resource")
	logger.WithError(err).Warn("requirement did not fit the offer")

	fmt.Println("logged")
	// Output: logged
}

// Example_metricsCollection demonstrates recording offer-cycle metrics.
func Example_metricsCollection() {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "offerd"})
	if err != nil {
		panic(err)
	}

	m.RecordOffer(true)
	m.RecordRecommendation("RESERVE")
	m.RecordRecommendation("LAUNCH")
	m.RecordEvaluationFailure("volume")
	m.RecordBlockTransition("deploy", "IN_PROGRESS")
	m.SetPlanComplete("deploy", false)

	families, err := m.Registry().Gather()
	if err != nil {
		panic(err)
	}
	fmt.Println(len(families) > 0)
	// Output: true
}

// Example_events demonstrates synchronous event delivery.
func Example_events() {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		panic(err)
	}
	defer ep.Shutdown(context.Background())

	ep.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Message)
	}, telemetry.FilterByType(telemetry.EventTypeBlockTransition))

	_ = ep.PublishOfferDeclined("offer-1")
	_ = ep.PublishBlockTransition("deploy", "node-0", "PENDING", "IN_PROGRESS")
	// Output: block node-0: PENDING -> IN_PROGRESS
}
