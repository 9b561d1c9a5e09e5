package telemetry_test

import (
	"context"
	"fmt"

	"github.com/reactivegraph/plugind/pkg/telemetry"
)

func Example_events() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Stem, e.Data["to"])
	}, telemetry.FilterByType(telemetry.EventTypeStateChanged))

	_ = tel.Events.PublishStateChanged("id-1", "base", "Resolved", "Starting(Activating)", "")
	_ = tel.Events.PublishDeployed("base", "/plugins/installed/base.wasm", "install")

	// Output:
	// plugin.state_changed base Starting(Activating)
}
