// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/UCBerkeleySETI/commensal-coordinator/internal/alerting"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/calibration"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/config"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/freesub"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/gateway"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/instancepool"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/metadata"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/persist"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/recproc"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/runtimeEnv"
	"github.com/UCBerkeleySETI/commensal-coordinator/internal/supervisor"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/analyzerclient"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/log"
	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/schema"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
)

const gatewayDomain = "hpguppi"

func main() {
	var flagConfigFile, flagResetArray string
	var flagGops, flagNoServer bool
	flag.StringVar(&flagConfigFile, "config", "./config.yaml", "Overwrite the global config options by those specified in `config.yaml`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagNoServer, "no-server", false, "Do not start the event loop, stop right after initialization and argument handling")
	flag.StringVar(&flagResetArray, "reset", "", "Clear the persisted state for `array` and exit")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	if err := config.Init(flagConfigFile); err != nil {
		log.Fatal(err)
	}

	kvstore.Connect()
	store := kvstore.GetClient()
	if store == nil {
		log.Fatal("coordinator: could not establish a store connection")
	}
	defer store.Close()

	analyzerclient.Connect()
	analyzer := analyzerclient.GetClient()
	if analyzer == nil {
		log.Fatal("coordinator: could not establish an analyzer bus connection")
	}
	defer analyzer.Close()

	persister := persist.New(store)

	if flagResetArray != "" {
		if err := persister.DeleteSnapshot(context.Background(), flagResetArray); err != nil {
			log.Fatalf("reset %s failed: %s", flagResetArray, err.Error())
		}
		log.Infof("coordinator: cleared persisted state for %s", flagResetArray)
		return
	}

	alerter := alerting.New(store, config.Keys.SlackChannel, "coordinator", config.Keys.GrafanaURL, config.Keys.GrafanaToken)
	gw := gateway.New(store, gatewayDomain)

	initialInstances := make([]schema.Instance, 0, len(config.Keys.HashpipeInstances))
	for _, hi := range config.Keys.HashpipeInstances {
		initialInstances = append(initialInstances, schema.Instance{Host: hi.Host, Index: hi.Index})
	}
	pool := instancepool.New(initialInstances...)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("could not create scheduler: %s", err.Error())
	}
	scheduler.Start()
	defer scheduler.Shutdown()

	calibWorker := calibration.New(scheduler, store, calibration.NewHTTPTelstateSource())

	arrayConfigByName := make(map[string]config.ArrayConfig, len(config.Keys.Arrays))
	for _, ac := range config.Keys.Arrays {
		arrayConfigByName[ac.Name] = ac
	}

	var sup *supervisor.Supervisor
	factory := func(array string) (*freesub.FSM, *recproc.FSM) {
		ac := arrayConfigByName[array]
		meta := metadata.New(store, array)

		fs := freesub.New(array, freesub.Deps{
			Pool:               pool,
			Gateway:            gw,
			Metadata:           meta,
			Alerter:            alerter,
			Analyzer:           analyzer,
			StreamsPerInstance: ac.StreamsPerInstance,
			GatewayProcName:    "hpguppi_daq",
		})

		rp := recproc.New(array, recproc.Deps{
			Store:                 store,
			Gateway:               gw,
			Metadata:              meta,
			Alerter:               alerter,
			Analyzer:              analyzer,
			Calib:                 calibWorker,
			Scheduler:             scheduler,
			Publisher:             sup,
			Telescope:             config.Keys.Telescope,
			TelstateEndpoint:      os.Getenv("TELSTATE_ENDPOINT"),
			PrimaryTimeProposalID: ac.PrimaryTimeProposalID,
		})

		return fs, rp
	}

	sup = supervisor.New(store, persister, pool, factory)

	arrayNames := make([]string, 0, len(config.Keys.Arrays))
	for _, ac := range config.Keys.Arrays {
		arrayNames = append(arrayNames, ac.Name)
	}

	ctx := context.Background()
	sup.Recover(ctx, arrayNames)

	if flagNoServer {
		return
	}

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("could not start event loop: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		sup.Wait()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	log.Infof("coordinator: managing %d subarrays, %d instances", len(arrayNames), len(initialInstances))
	wg.Wait()
	log.Print("Gracefull shutdown completed!")
}
